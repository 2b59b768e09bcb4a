package domain

import "sort"

// ClientShare breaks a selected task's satisfaction down per rating member.
type ClientShare struct {
	UserID                    string  `json:"userId"`
	Valuation                 int     `json:"valuation"`
	Satisfaction              int     `json:"satisfaction"`
	Coverage                  float64 `json:"coverage"`
	ContributionToTotal       float64 `json:"contributionToTotal"`
	ContributionToRequirement float64 `json:"contributionToRequirement"`
}

// SolutionTask is a task admitted into a solution together with its
// selection metrics.
type SolutionTask struct {
	Task
	Satisfaction              int           `json:"satisfaction"`
	Productivity              float64       `json:"productivity"`
	ContributionToTotal       float64       `json:"contributionToTotal"`
	ContributionToRequirement float64       `json:"contributionToRequirement"`
	Clients                   []ClientShare `json:"clients,omitempty"`
}

// Solution is the effort-budget-constrained subset of tasks selected for a
// release, plus aggregate metrics over the selected subset.
type Solution struct {
	Tasks             []SolutionTask `json:"tasks"`
	TotalProductivity float64        `json:"totalProductivity"`
	Coverage          float64        `json:"coverage"`
	TotalEffort       int            `json:"totalEffort"`
	TotalSatisfaction int            `json:"totalSatisfaction"`
}

// EffectiveBudget resolves the per-invocation cap: a positive effortFilter
// tightens effortLimit, otherwise effortLimit stands alone.
func EffectiveBudget(effortLimit, effortFilter int) int {
	if effortFilter > 0 && effortFilter < effortLimit {
		return effortFilter
	}
	return effortLimit
}

// BuildSolution greedily selects tasks maximizing retained satisfaction
// without exceeding the effective effort budget. Deselected tasks are
// excluded up front. Candidates are ordered by satisfaction, ties by
// productivity, both descending and stable; a candidate that would overflow
// the remaining budget is skipped, never substituted. An empty selection is
// a valid outcome. Every division is guarded: zero effort means zero
// productivity, zero totals mean zero contributions.
func BuildSolution(tasks []Task, ratingsByTask map[string][]Rating, weights WeightMap, effortLimit, effortFilter int) Solution {
	budget := EffectiveBudget(effortLimit, effortFilter)

	candidates := make([]SolutionTask, 0, len(tasks))
	candidateTotal := 0
	for _, t := range tasks {
		if t.Deselected {
			continue
		}
		sat := 0
		for _, r := range ratingsByTask[t.ID] {
			sat += r.ClientSatisfaction
		}
		candidateTotal += sat
		candidates = append(candidates, SolutionTask{Task: t, Satisfaction: sat})
	}

	for i := range candidates {
		c := &candidates[i]
		if c.Effort > 0 {
			c.Productivity = float64(c.Satisfaction) / float64(c.Effort)
		}
		if candidateTotal > 0 {
			c.ContributionToTotal = float64(c.Satisfaction) / float64(candidateTotal)
		}
		if budget > 0 {
			c.ContributionToRequirement = float64(c.Effort) / float64(budget)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Satisfaction != candidates[j].Satisfaction {
			return candidates[i].Satisfaction > candidates[j].Satisfaction
		}
		return candidates[i].Productivity > candidates[j].Productivity
	})

	sol := Solution{Tasks: []SolutionTask{}}
	for _, c := range candidates {
		if sol.TotalEffort+c.Effort > budget {
			continue
		}
		c.Clients = clientShares(ratingsByTask[c.ID], weights, c.Satisfaction, candidateTotal)
		sol.Tasks = append(sol.Tasks, c)
		sol.TotalEffort += c.Effort
		sol.TotalSatisfaction += c.Satisfaction
	}

	if sol.TotalEffort > 0 {
		sol.TotalProductivity = float64(sol.TotalSatisfaction) / float64(sol.TotalEffort)
	}
	if candidateTotal > 0 {
		sol.Coverage = float64(sol.TotalSatisfaction) / float64(candidateTotal)
	}
	return sol
}

func clientShares(ratings []Rating, weights WeightMap, taskSatisfaction, candidateTotal int) []ClientShare {
	if len(ratings) == 0 {
		return nil
	}
	shares := make([]ClientShare, 0, len(ratings))
	for _, r := range ratings {
		share := ClientShare{
			UserID:       r.UserID,
			Valuation:    r.ClientWeight,
			Satisfaction: r.ClientSatisfaction,
		}
		if w := weights.Weight(r.UserID); w > 0 {
			share.Coverage = float64(r.ClientWeight) / float64(w)
		}
		if candidateTotal > 0 {
			share.ContributionToTotal = float64(r.ClientSatisfaction) / float64(candidateTotal)
		}
		if taskSatisfaction > 0 {
			share.ContributionToRequirement = float64(r.ClientSatisfaction) / float64(taskSatisfaction)
		}
		shares = append(shares, share)
	}
	return shares
}

package domain

import "sort"

// DefaultTopTasks is the bound used by the "top tasks" surface.
const DefaultTopTasks = 3

// RankedTask pairs a task with its computed relevance score.
type RankedTask struct {
	Task
	RelevanceScore float64 `json:"relevanceScore"`
}

// Rank scores every task and returns them ordered by descending relevance.
// A task's relevance is the sum, over its ratings, of the rater's
// organizational weight times their satisfaction, divided by their personal
// effort estimate (at least 1). Tasks without ratings score zero and stay in
// the result; ties keep the input order.
func Rank(tasks []Task, ratingsByTask map[string][]Rating, weights WeightMap) []RankedTask {
	ranked := make([]RankedTask, 0, len(tasks))
	for _, t := range tasks {
		score := 0.0
		for _, r := range ratingsByTask[t.ID] {
			effort := r.Effort
			if effort < 1 {
				effort = 1
			}
			score += float64(weights.Weight(r.UserID)*r.ClientSatisfaction) / float64(effort)
		}
		ranked = append(ranked, RankedTask{Task: t, RelevanceScore: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	return ranked
}

// TopN truncates a ranked task list to its first n entries. A non-positive
// n falls back to DefaultTopTasks.
func TopN(ranked []RankedTask, n int) []RankedTask {
	if n <= 0 {
		n = DefaultTopTasks
	}
	if len(ranked) <= n {
		return ranked
	}
	return ranked[:n]
}

// GroupRatings indexes an organization's ratings by task ID, preserving
// input order within each task.
func GroupRatings(ratings []Rating) map[string][]Rating {
	byTask := make(map[string][]Rating, len(ratings))
	for _, r := range ratings {
		byTask[r.TaskID] = append(byTask[r.TaskID], r)
	}
	return byTask
}

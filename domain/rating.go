package domain

import "math"

// Rating is a member's evaluation of a task. At most one Rating exists per
// (taskId, userId). ClientWeight is the member's raw valuation of the task;
// ClientSatisfaction is the weighted contribution derived from it.
type Rating struct {
	TaskID             string `json:"taskId"`
	UserID             string `json:"userId"`
	Effort             int    `json:"effort"`
	ClientWeight       int    `json:"clientWeight"`
	ClientSatisfaction int    `json:"clientSatisfaction"`
}

// ClampSatisfaction rounds v to the nearest integer and clamps it into the
// normalized per-rating band [MinWeight, MaxWeight]. It applies only where a
// satisfaction value is rescaled from an existing per-rating score; weighted
// aggregates (sums over organization weights) are stored raw.
func ClampSatisfaction(v float64) int {
	n := int(math.Round(v))
	if n < MinWeight {
		return MinWeight
	}
	if n > MaxWeight {
		return MaxWeight
	}
	return n
}

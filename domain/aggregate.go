package domain

// TotalSatisfaction computes a task's total satisfaction as contributed by
// all organization members: the sum over ratings of member weight times raw
// valuation. Members without a rating contribute zero. The result is a raw
// aggregate and is never clamped. Used for audit and reporting views; it is
// recomputed on every call and never persisted.
func TotalSatisfaction(weights WeightMap, ratings []Rating) int {
	total := 0
	for _, r := range ratings {
		total += weights.Weight(r.UserID) * r.ClientWeight
	}
	return total
}

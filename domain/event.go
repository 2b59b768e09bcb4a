package domain

// Change event types published after successful mutations. External read
// models (version snapshots, reporting views) consume these from the queue.
const (
	EventEffortSet       = "rating-effort-set"
	EventValuationSet    = "rating-valuation-set"
	EventMemberWeightSet = "member-weight-set"
)

// ChangeEvent notifies downstream consumers that rating or membership state
// changed for an organization.
type ChangeEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	TaskID         string `json:"taskId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

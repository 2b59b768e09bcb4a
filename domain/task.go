package domain

// Task represents a unit of work owned by an organization.
type Task struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Effort         int    `json:"effort"`
	Progress       int    `json:"progress"`
	Deselected     bool   `json:"deselected,omitempty"`
}

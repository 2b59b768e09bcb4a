package domain

const (
	// MinWeight and MaxWeight bound a member's voting weight inside an
	// organization. A weight of MaxWeight conventionally marks an admin.
	MinWeight = 0
	MaxWeight = 5

	AdminWeight = MaxWeight
)

// Member is a user's membership in an organization. At most one Member
// exists per (userId, organizationId) pair.
type Member struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Weight         int    `json:"weight"`
}

// WeightMap is a read projection of an organization's memberships,
// mapping user ID to voting weight.
type WeightMap map[string]int

// Weight returns the weight for userID. Non-members score as 0; callers
// that need to distinguish "non-member" from "member with weight 0" must
// check membership existence separately.
func (w WeightMap) Weight(userID string) int {
	return w[userID]
}

// ValidWeight reports whether v is inside the allowed member weight range.
func ValidWeight(v int) bool {
	return v >= MinWeight && v <= MaxWeight
}

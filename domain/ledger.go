package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Store defines the persistence methods the ledger needs. Rating rows are
// partitioned by organization; UpdateRatings must apply its batch
// all-or-nothing so a failed fan-out leaves no partial state.
type Store interface {
	GetTask(ctx context.Context, orgID, taskID string) (*Task, error)
	GetMember(ctx context.Context, orgID, userID string) (*Member, error)
	UpsertMember(ctx context.Context, m Member) error
	GetRating(ctx context.Context, orgID, taskID, userID string) (*Rating, error)
	UpsertRating(ctx context.Context, orgID string, r Rating) error
	ListTaskRatings(ctx context.Context, orgID, taskID string) ([]Rating, error)
	ListRatings(ctx context.Context, orgID string) ([]Rating, error)
	UpdateRatings(ctx context.Context, orgID string, ratings []Rating) error
	ListWeights(ctx context.Context, orgID string) (WeightMap, error)
}

// Ledger maintains per-member, per-task rating state and keeps the derived
// clientSatisfaction consistent when either side of the weighting
// relationship changes.
type Ledger struct{ st Store }

func NewLedger(st Store) Ledger { return Ledger{st: st} }

// SetEffort upserts the caller's rating with a new personal effort
// estimate. ClientWeight and ClientSatisfaction are left untouched; a
// missing rating row is created with both at zero.
func (l Ledger) SetEffort(ctx context.Context, orgID, taskID, userID string, effort int) (Rating, error) {
	if effort < 0 {
		return Rating{}, ValidationError{Field: "effort", Reason: "must be non-negative"}
	}
	task, err := l.st.GetTask(ctx, orgID, taskID)
	if err != nil {
		return Rating{}, err
	}
	if task == nil {
		return Rating{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	r, err := l.st.GetRating(ctx, orgID, taskID, userID)
	if err != nil {
		return Rating{}, err
	}
	if r == nil {
		r = &Rating{TaskID: taskID, UserID: userID}
	}
	r.Effort = effort
	if err := l.st.UpsertRating(ctx, orgID, *r); err != nil {
		return Rating{}, err
	}
	return *r, nil
}

// SetValuation upserts the caller's rating with a new valuation and the
// satisfaction derived from it:
//
//   - first rating on the task org-wide: satisfaction seeds with the sum of
//     every member's weight times the new valuation
//   - valuation of zero: satisfaction drops to zero
//   - otherwise: satisfaction rescales proportionally from the caller's
//     previous rating and is clamped into the normalized [0,5] band
func (l Ledger) SetValuation(ctx context.Context, orgID, taskID, userID string, clientWeight int) (Rating, error) {
	if clientWeight < 0 {
		return Rating{}, ValidationError{Field: "clientWeight", Reason: "must be non-negative"}
	}
	task, err := l.st.GetTask(ctx, orgID, taskID)
	if err != nil {
		return Rating{}, err
	}
	if task == nil {
		return Rating{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	prior, err := l.st.GetRating(ctx, orgID, taskID, userID)
	if err != nil {
		return Rating{}, err
	}
	taskRatings, err := l.st.ListTaskRatings(ctx, orgID, taskID)
	if err != nil {
		return Rating{}, err
	}

	r := Rating{TaskID: taskID, UserID: userID, ClientWeight: clientWeight}
	if prior != nil {
		r.Effort = prior.Effort
	}

	switch {
	case len(taskRatings) == 0:
		// First valuation on this task: the new valuation seeds the
		// satisfaction across every member's weight.
		weights, err := l.st.ListWeights(ctx, orgID)
		if err != nil {
			return Rating{}, err
		}
		total := 0
		for _, w := range weights {
			total += w * clientWeight
		}
		r.ClientSatisfaction = total
	case clientWeight == 0:
		r.ClientSatisfaction = 0
	case prior != nil && prior.ClientWeight != 0:
		r.ClientSatisfaction = ClampSatisfaction(
			float64(prior.ClientSatisfaction) / float64(prior.ClientWeight) * float64(clientWeight))
	default:
		// No rescale basis: the task already carries ratings but this
		// member has no prior valuation to scale from.
		log.WithFields(log.Fields{"org": orgID, "task": taskID, "user": userID}).
			Warn("valuation without rescale basis, satisfaction stays zero")
		r.ClientSatisfaction = 0
	}

	if err := l.st.UpsertRating(ctx, orgID, r); err != nil {
		return Rating{}, err
	}
	return r, nil
}

// SetMemberWeight changes a member's organizational weight and recomputes
// the satisfaction of every rating in the organization. Each stored
// satisfaction embeds every member's weight (see the seed in SetValuation),
// so the weight delta is applied against each rating's own valuation:
// satisfaction += (new - old) * clientWeight. Ratings with a zero valuation
// are untouched. The batch is applied all-or-nothing by the store. It
// returns the number of ratings recomputed.
func (l Ledger) SetMemberWeight(ctx context.Context, orgID, userID string, weight int) (int, error) {
	if !ValidWeight(weight) {
		return 0, ValidationError{Field: "weight", Reason: fmt.Sprintf("must be between %d and %d", MinWeight, MaxWeight)}
	}
	member, err := l.st.GetMember(ctx, orgID, userID)
	if err != nil {
		return 0, err
	}
	if member == nil {
		return 0, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}

	var changed []Rating
	if delta := weight - member.Weight; delta != 0 {
		ratings, err := l.st.ListRatings(ctx, orgID)
		if err != nil {
			return 0, err
		}
		for _, r := range ratings {
			if r.ClientWeight == 0 {
				continue
			}
			r.ClientSatisfaction += delta * r.ClientWeight
			changed = append(changed, r)
		}
	}
	if len(changed) > 0 {
		if err := l.st.UpdateRatings(ctx, orgID, changed); err != nil {
			return 0, err
		}
	}

	member.Weight = weight
	if err := l.st.UpsertMember(ctx, *member); err != nil {
		// The rating batch is already committed; the member row retains
		// the old weight and a retry will re-apply the same delta base.
		log.WithFields(log.Fields{"org": orgID, "user": userID}).
			Errorf("member weight update failed after rating fan-out: %v", err)
		return 0, err
	}

	log.WithFields(log.Fields{"org": orgID, "user": userID, "ratings": len(changed)}).
		Debug("member weight fan-out recomputed")
	return len(changed), nil
}

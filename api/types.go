package api

import (
	"context"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

// Storage abstracts persistence for handlers: the ledger's store plus the
// organization-wide reads the ranking surfaces need and the change-event
// queue.
type Storage interface {
	domain.Store
	ListTasks(ctx context.Context, orgID string) ([]domain.Task, error)
	EnqueueEvents(ctx context.Context, events []domain.ChangeEvent) error
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of repeated mutation requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails so
	// the caller may retry.
	Remove(ctx context.Context, userID, key string) error
}

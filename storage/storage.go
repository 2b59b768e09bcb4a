package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

// transactionLimit is the service-side cap on actions per table transaction.
// Fan-out batches larger than this are chunked; atomicity then only holds
// per chunk.
const transactionLimit = 100

// Storage provides access to the members, tasks and ratings tables and the
// change-event queue. All rows of an organization share one partition, so
// rating fan-outs can ride a single transactional batch.
type Storage struct {
	membersTable *aztables.Client
	tasksTable   *aztables.Client
	ratingsTable *aztables.Client
	eventQueue   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, membersTable, tasksTable, ratingsTable, eventQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		membersTable: svc.NewClient(membersTable),
		tasksTable:   svc.NewClient(tasksTable),
		ratingsTable: svc.NewClient(ratingsTable),
		eventQueue:   q,
	}, nil
}

type memberEntity struct {
	aztables.Entity
	Weight int `json:"Weight"`
}

type taskEntity struct {
	aztables.Entity
	Effort     int  `json:"Effort"`
	Progress   int  `json:"Progress"`
	Deselected bool `json:"Deselected"`
}

type ratingEntity struct {
	aztables.Entity
	TaskID             string `json:"TaskID"`
	UserID             string `json:"UserID"`
	Effort             int    `json:"Effort"`
	ClientWeight       int    `json:"ClientWeight"`
	ClientSatisfaction int    `json:"ClientSatisfaction"`
}

func ratingRowKey(taskID, userID string) string {
	return taskID + "|" + userID
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// GetMember returns the membership row, or nil when the user is not a
// member of the organization.
func (s *Storage) GetMember(ctx context.Context, orgID, userID string) (*domain.Member, error) {
	resp, err := s.membersTable.GetEntity(ctx, orgID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent memberEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Member{UserID: userID, OrganizationID: orgID, Weight: ent.Weight}, nil
}

// UpsertMember writes the membership row.
func (s *Storage) UpsertMember(ctx context.Context, m domain.Member) error {
	data, err := json.Marshal(memberEntity{
		Entity: aztables.Entity{PartitionKey: m.OrganizationID, RowKey: m.UserID},
		Weight: m.Weight,
	})
	if err != nil {
		return err
	}
	_, err = s.membersTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// ListWeights returns the organization's userID→weight projection.
func (s *Storage) ListWeights(ctx context.Context, orgID string) (domain.WeightMap, error) {
	filter := "PartitionKey eq '" + orgID + "'"
	pager := s.membersTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	weights := domain.WeightMap{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent memberEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			weights[ent.RowKey] = ent.Weight
		}
	}
	return weights, nil
}

// GetTask returns a task, or nil when absent.
func (s *Storage) GetTask(ctx context.Context, orgID, taskID string) (*domain.Task, error) {
	resp, err := s.tasksTable.GetEntity(ctx, orgID, taskID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t := taskFromEntity(orgID, ent)
	return &t, nil
}

// ListTasks retrieves all tasks of the organization.
func (s *Storage) ListTasks(ctx context.Context, orgID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + orgID + "'"
	pager := s.tasksTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(orgID, ent))
		}
	}
	return tasks, nil
}

func taskFromEntity(orgID string, ent taskEntity) domain.Task {
	return domain.Task{
		ID:             ent.RowKey,
		OrganizationID: orgID,
		Effort:         ent.Effort,
		Progress:       ent.Progress,
		Deselected:     ent.Deselected,
	}
}

// GetRating returns a member's rating of a task, or nil when absent.
func (s *Storage) GetRating(ctx context.Context, orgID, taskID, userID string) (*domain.Rating, error) {
	resp, err := s.ratingsTable.GetEntity(ctx, orgID, ratingRowKey(taskID, userID), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent ratingEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	r := ratingFromEntity(ent)
	return &r, nil
}

// UpsertRating writes a rating row. Last write wins; rating rows carry no
// concurrency token.
func (s *Storage) UpsertRating(ctx context.Context, orgID string, r domain.Rating) error {
	data, err := json.Marshal(ratingToEntity(orgID, r))
	if err != nil {
		return err
	}
	_, err = s.ratingsTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// ListTaskRatings returns every rating on one task, using a row-key range
// scan within the organization partition.
func (s *Storage) ListTaskRatings(ctx context.Context, orgID, taskID string) ([]domain.Rating, error) {
	// '}' is the separator '|' plus one, closing the row-key range.
	filter := "PartitionKey eq '" + orgID + "' and RowKey ge '" + taskID + "|' and RowKey lt '" + taskID + "}'"
	return s.listRatings(ctx, filter)
}

// ListRatings returns all ratings of the organization.
func (s *Storage) ListRatings(ctx context.Context, orgID string) ([]domain.Rating, error) {
	return s.listRatings(ctx, "PartitionKey eq '"+orgID+"'")
}

func (s *Storage) listRatings(ctx context.Context, filter string) ([]domain.Rating, error) {
	pager := s.ratingsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ratings := []domain.Rating{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent ratingEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			ratings = append(ratings, ratingFromEntity(ent))
		}
	}
	return ratings, nil
}

// UpdateRatings applies the batch as table transactions on the organization
// partition. Up to transactionLimit ratings the write is all-or-nothing;
// beyond that the batch is chunked and a mid-batch failure leaves earlier
// chunks committed.
func (s *Storage) UpdateRatings(ctx context.Context, orgID string, ratings []domain.Rating) error {
	for start := 0; start < len(ratings); start += transactionLimit {
		end := start + transactionLimit
		if end > len(ratings) {
			end = len(ratings)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, r := range ratings[start:end] {
			data, err := json.Marshal(ratingToEntity(orgID, r))
			if err != nil {
				return err
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeInsertReplace,
				Entity:     data,
			})
		}
		if _, err := s.ratingsTable.SubmitTransaction(ctx, actions, nil); err != nil {
			return err
		}
	}
	return nil
}

func ratingToEntity(orgID string, r domain.Rating) ratingEntity {
	return ratingEntity{
		Entity:             aztables.Entity{PartitionKey: orgID, RowKey: ratingRowKey(r.TaskID, r.UserID)},
		TaskID:             r.TaskID,
		UserID:             r.UserID,
		Effort:             r.Effort,
		ClientWeight:       r.ClientWeight,
		ClientSatisfaction: r.ClientSatisfaction,
	}
}

func ratingFromEntity(ent ratingEntity) domain.Rating {
	return domain.Rating{
		TaskID:             ent.TaskID,
		UserID:             ent.UserID,
		Effort:             ent.Effort,
		ClientWeight:       ent.ClientWeight,
		ClientSatisfaction: ent.ClientSatisfaction,
	}
}

// EnqueueEvents sends change events to the event queue.
func (s *Storage) EnqueueEvents(ctx context.Context, events []domain.ChangeEvent) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := s.eventQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}

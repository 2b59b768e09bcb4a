package domain

import (
	"context"
	"errors"
)

type fakeStore struct {
	tasks   map[string]Task
	members map[string]Member
	ratings map[string]Rating // key taskID|userID, insertion not ordered

	ratingOrder []string // preserves insertion order for list methods

	upserted      []Rating
	batchUpdates  [][]Rating
	upsertMembers []Member

	batchErr        error
	upsertMemberErr error
}

func ratingKey(taskID, userID string) string { return taskID + "|" + userID }

func (f *fakeStore) addTask(t Task)     { f.ensure(); f.tasks[t.ID] = t }
func (f *fakeStore) addMember(m Member) { f.ensure(); f.members[m.UserID] = m }
func (f *fakeStore) addRating(r Rating) {
	f.ensure()
	key := ratingKey(r.TaskID, r.UserID)
	if _, ok := f.ratings[key]; !ok {
		f.ratingOrder = append(f.ratingOrder, key)
	}
	f.ratings[key] = r
}

func (f *fakeStore) ensure() {
	if f.tasks == nil {
		f.tasks = map[string]Task{}
	}
	if f.members == nil {
		f.members = map[string]Member{}
	}
	if f.ratings == nil {
		f.ratings = map[string]Rating{}
	}
}

func (f *fakeStore) GetTask(ctx context.Context, orgID, taskID string) (*Task, error) {
	f.ensure()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) GetMember(ctx context.Context, orgID, userID string) (*Member, error) {
	f.ensure()
	m, ok := f.members[userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeStore) UpsertMember(ctx context.Context, m Member) error {
	if f.upsertMemberErr != nil {
		return f.upsertMemberErr
	}
	f.ensure()
	f.members[m.UserID] = m
	f.upsertMembers = append(f.upsertMembers, m)
	return nil
}

func (f *fakeStore) GetRating(ctx context.Context, orgID, taskID, userID string) (*Rating, error) {
	f.ensure()
	r, ok := f.ratings[ratingKey(taskID, userID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeStore) UpsertRating(ctx context.Context, orgID string, r Rating) error {
	f.addRating(r)
	f.upserted = append(f.upserted, r)
	return nil
}

func (f *fakeStore) ListTaskRatings(ctx context.Context, orgID, taskID string) ([]Rating, error) {
	f.ensure()
	var out []Rating
	for _, key := range f.ratingOrder {
		if r := f.ratings[key]; r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRatings(ctx context.Context, orgID string) ([]Rating, error) {
	f.ensure()
	var out []Rating
	for _, key := range f.ratingOrder {
		out = append(out, f.ratings[key])
	}
	return out, nil
}

func (f *fakeStore) UpdateRatings(ctx context.Context, orgID string, ratings []Rating) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.ensure()
	for _, r := range ratings {
		f.addRating(r)
	}
	f.batchUpdates = append(f.batchUpdates, ratings)
	return nil
}

func (f *fakeStore) ListWeights(ctx context.Context, orgID string) (WeightMap, error) {
	f.ensure()
	wm := WeightMap{}
	for id, m := range f.members {
		wm[id] = m.Weight
	}
	return wm, nil
}

var errFakeStore = errors.New("fake store failure")

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

type mockStore struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	members map[string]domain.Member
	ratings map[string]domain.Rating

	events []domain.ChangeEvent
	err    error
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:   map[string]domain.Task{},
		members: map[string]domain.Member{},
		ratings: map[string]domain.Rating{},
	}
}

func mockRatingKey(taskID, userID string) string { return taskID + "|" + userID }

func (m *mockStore) GetTask(ctx context.Context, orgID, taskID string) (*domain.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *mockStore) GetMember(ctx context.Context, orgID, userID string) (*domain.Member, error) {
	if m.err != nil {
		return nil, m.err
	}
	mem, ok := m.members[userID]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (m *mockStore) UpsertMember(ctx context.Context, mem domain.Member) error {
	m.members[mem.UserID] = mem
	return nil
}

func (m *mockStore) GetRating(ctx context.Context, orgID, taskID, userID string) (*domain.Rating, error) {
	r, ok := m.ratings[mockRatingKey(taskID, userID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *mockStore) UpsertRating(ctx context.Context, orgID string, r domain.Rating) error {
	m.ratings[mockRatingKey(r.TaskID, r.UserID)] = r
	return nil
}

func (m *mockStore) ListTaskRatings(ctx context.Context, orgID, taskID string) ([]domain.Rating, error) {
	var out []domain.Rating
	for _, r := range m.ratings {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateRatings(ctx context.Context, orgID string, ratings []domain.Rating) error {
	for _, r := range ratings {
		m.ratings[mockRatingKey(r.TaskID, r.UserID)] = r
	}
	return nil
}

func (m *mockStore) ListWeights(ctx context.Context, orgID string) (domain.WeightMap, error) {
	if m.err != nil {
		return nil, m.err
	}
	wm := domain.WeightMap{}
	for id, mem := range m.members {
		wm[id] = mem.Weight
	}
	return wm, nil
}

func (m *mockStore) ListTasks(ctx context.Context, orgID string) ([]domain.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	// Deterministic order for ranking assertions.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id])
	}
	return out, nil
}

func (m *mockStore) ListRatings(ctx context.Context, orgID string) ([]domain.Rating, error) {
	var out []domain.Rating
	for _, r := range m.ratings {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockStore) EnqueueEvents(ctx context.Context, events []domain.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

type mockAuth struct {
	userID string
	err    error
}

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	if a.userID == "" {
		return "caller", nil
	}
	return a.userID, nil
}

type mockDeduper struct {
	seen    map[string]bool
	removed []string
}

func (d *mockDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	k := userID + ":" + key
	if d.seen[k] {
		return false, nil
	}
	d.seen[k] = true
	return true, nil
}

func (d *mockDeduper) Remove(ctx context.Context, userID, key string) error {
	delete(d.seen, userID+":"+key)
	d.removed = append(d.removed, key)
	return nil
}

func doRequest(t *testing.T, handler echo.HandlerFunc, method, target, body string, paramNames, paramValues []string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames(paramNames...)
	c.SetParamValues(paramValues...)
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestPutEffortUpsertsRating(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1", OrganizationID: "org1"}
	ledger := domain.NewLedger(store)

	rec := doRequest(t, putEffort(store, ledger, mockAuth{userID: "u1"}, nil),
		http.MethodPut, "/api/orgs/org1/tasks/t1/effort", `{"effort":7}`,
		[]string{"orgId", "taskId"}, []string{"org1", "t1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got domain.Rating
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Effort != 7 || got.ClientWeight != 0 {
		t.Fatalf("unexpected rating: %#v", got)
	}
}

func TestPutEffortRejectsBadBody(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1"}
	ledger := domain.NewLedger(store)
	handler := putEffort(store, ledger, mockAuth{}, nil)

	for _, body := range []string{``, `{}`, `{"unknown":1}`, `{"effort":"high"}`} {
		rec := doRequest(t, handler, http.MethodPut, "/api/orgs/org1/tasks/t1/effort", body,
			[]string{"orgId", "taskId"}, []string{"org1", "t1"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestPutEffortValidationAndNotFound(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1"}
	ledger := domain.NewLedger(store)
	handler := putEffort(store, ledger, mockAuth{}, nil)

	rec := doRequest(t, handler, http.MethodPut, "/api/orgs/org1/tasks/t1/effort", `{"effort":-1}`,
		[]string{"orgId", "taskId"}, []string{"org1", "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative effort: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPut, "/api/orgs/org1/tasks/missing/effort", `{"effort":1}`,
		[]string{"orgId", "taskId"}, []string{"org1", "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", rec.Code)
	}
}

func TestPutEffortUnauthorized(t *testing.T) {
	store := newMockStore()
	ledger := domain.NewLedger(store)
	rec := doRequest(t, putEffort(store, ledger, mockAuth{err: errors.New("token expired")}, nil),
		http.MethodPut, "/api/orgs/org1/tasks/t1/effort", `{"effort":1}`,
		[]string{"orgId", "taskId"}, []string{"org1", "t1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPutEffortIdempotencyReplay(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1"}
	ledger := domain.NewLedger(store)
	deduper := &mockDeduper{}
	handler := putEffort(store, ledger, mockAuth{userID: "u1"}, deduper)

	e := echo.New()
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPut, "/api/orgs/org1/tasks/t1/effort", strings.NewReader(`{"effort":4}`))
		req.Header.Set(echo.HeaderAuthorization, "Bearer token")
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(idempotencyHeader, "key-1")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("orgId", "taskId")
		c.SetParamValues("org1", "t1")
		if err := handler(c); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, rec.Code)
		}
	}
	// The replay must not have written twice; the single stored rating
	// still carries the original effort.
	if r := store.ratings[mockRatingKey("t1", "u1")]; r.Effort != 4 {
		t.Fatalf("unexpected stored rating: %#v", r)
	}
	if len(deduper.removed) != 0 {
		t.Fatalf("successful mutation must keep its key, removed: %v", deduper.removed)
	}
}

func TestPutValuationInitializesSatisfaction(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1"}
	store.members["a"] = domain.Member{UserID: "a", OrganizationID: "org1", Weight: 5}
	store.members["b"] = domain.Member{UserID: "b", OrganizationID: "org1", Weight: 3}
	ledger := domain.NewLedger(store)

	rec := doRequest(t, putValuation(store, ledger, mockAuth{userID: "b"}, nil),
		http.MethodPut, "/api/orgs/org1/tasks/t1/valuation", `{"clientWeight":4}`,
		[]string{"orgId", "taskId"}, []string{"org1", "t1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got domain.Rating
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ClientSatisfaction != 32 {
		t.Fatalf("expected satisfaction 32, got %d", got.ClientSatisfaction)
	}
}

func TestPutMemberWeightRequiresAdmin(t *testing.T) {
	store := newMockStore()
	store.members["caller"] = domain.Member{UserID: "caller", OrganizationID: "org1", Weight: 3}
	store.members["target"] = domain.Member{UserID: "target", OrganizationID: "org1", Weight: 1}
	ledger := domain.NewLedger(store)

	rec := doRequest(t, putMemberWeight(store, ledger, mockAuth{}, nil),
		http.MethodPut, "/api/orgs/org1/members/target/weight", `{"weight":2}`,
		[]string{"orgId", "userId"}, []string{"org1", "target"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin caller: expected 403, got %d", rec.Code)
	}

	// Non-members are forbidden too.
	delete(store.members, "caller")
	rec = doRequest(t, putMemberWeight(store, ledger, mockAuth{}, nil),
		http.MethodPut, "/api/orgs/org1/members/target/weight", `{"weight":2}`,
		[]string{"orgId", "userId"}, []string{"org1", "target"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member caller: expected 403, got %d", rec.Code)
	}
}

func TestPutMemberWeightFansOut(t *testing.T) {
	store := newMockStore()
	store.members["caller"] = domain.Member{UserID: "caller", OrganizationID: "org1", Weight: domain.AdminWeight}
	store.members["target"] = domain.Member{UserID: "target", OrganizationID: "org1", Weight: 5}
	store.ratings[mockRatingKey("t1", "target")] = domain.Rating{TaskID: "t1", UserID: "target", ClientWeight: 4, ClientSatisfaction: 32}
	ledger := domain.NewLedger(store)

	rec := doRequest(t, putMemberWeight(store, ledger, mockAuth{}, nil),
		http.MethodPut, "/api/orgs/org1/members/target/weight", `{"weight":2}`,
		[]string{"orgId", "userId"}, []string{"org1", "target"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp weightResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UpdatedRatings != 1 {
		t.Fatalf("expected 1 updated rating, got %d", resp.UpdatedRatings)
	}
	if r := store.ratings[mockRatingKey("t1", "target")]; r.ClientSatisfaction != 20 {
		t.Fatalf("expected recomputed satisfaction 20, got %d", r.ClientSatisfaction)
	}
}

func TestPutMemberWeightOutOfRange(t *testing.T) {
	store := newMockStore()
	store.members["caller"] = domain.Member{UserID: "caller", OrganizationID: "org1", Weight: domain.AdminWeight}
	store.members["target"] = domain.Member{UserID: "target", OrganizationID: "org1", Weight: 1}
	ledger := domain.NewLedger(store)

	rec := doRequest(t, putMemberWeight(store, ledger, mockAuth{}, nil),
		http.MethodPut, "/api/orgs/org1/members/target/weight", `{"weight":6}`,
		[]string{"orgId", "userId"}, []string{"org1", "target"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetTopTasksBoundsAndOrder(t *testing.T) {
	store := newMockStore()
	store.members["a"] = domain.Member{UserID: "a", OrganizationID: "org1", Weight: 5}
	for _, task := range []domain.Task{{ID: "t1", Effort: 1}, {ID: "t2", Effort: 1}, {ID: "t3", Effort: 1}, {ID: "t4", Effort: 1}} {
		store.tasks[task.ID] = task
	}
	store.ratings[mockRatingKey("t3", "a")] = domain.Rating{TaskID: "t3", UserID: "a", ClientWeight: 2, ClientSatisfaction: 5, Effort: 1}
	store.ratings[mockRatingKey("t2", "a")] = domain.Rating{TaskID: "t2", UserID: "a", ClientWeight: 1, ClientSatisfaction: 2, Effort: 1}

	rec := doRequest(t, getTopTasks(store, mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/tasks/top?n=2", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp topTasksResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(resp.Tasks))
	}
	if resp.Tasks[0].ID != "t3" || resp.Tasks[1].ID != "t2" {
		t.Fatalf("unexpected order: %s %s", resp.Tasks[0].ID, resp.Tasks[1].ID)
	}
	// Weighted valuation totals: t3 = 5*2, t2 = 5*1.
	if resp.Tasks[0].TotalSatisfaction != 10 || resp.Tasks[1].TotalSatisfaction != 5 {
		t.Fatalf("unexpected totals: %d %d", resp.Tasks[0].TotalSatisfaction, resp.Tasks[1].TotalSatisfaction)
	}
}

func TestGetTopTasksDefaultsToThree(t *testing.T) {
	store := newMockStore()
	for _, task := range []domain.Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}} {
		store.tasks[task.ID] = task
	}

	rec := doRequest(t, getTopTasks(store, mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/tasks/top", "",
		[]string{"orgId"}, []string{"org1"})
	var resp topTasksResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != domain.DefaultTopTasks {
		t.Fatalf("expected %d tasks, got %d", domain.DefaultTopTasks, len(resp.Tasks))
	}
}

func TestGetTopTasksInvalidN(t *testing.T) {
	rec := doRequest(t, getTopTasks(newMockStore(), mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/tasks/top?n=zero", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetTopTasksEmptyOrganization(t *testing.T) {
	rec := doRequest(t, getTopTasks(newMockStore(), mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/tasks/top", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("no tasks is not an error, got %d", rec.Code)
	}
	var resp topTasksResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 0 {
		t.Fatalf("expected empty sequence, got %#v", resp.Tasks)
	}
}

func TestGetSolutionRespectsBudget(t *testing.T) {
	store := newMockStore()
	store.members["a"] = domain.Member{UserID: "a", OrganizationID: "org1", Weight: 5}
	store.tasks["t1"] = domain.Task{ID: "t1", Effort: 6}
	store.tasks["t2"] = domain.Task{ID: "t2", Effort: 5}
	store.tasks["t3"] = domain.Task{ID: "t3", Effort: 3}
	store.ratings[mockRatingKey("t1", "a")] = domain.Rating{TaskID: "t1", UserID: "a", ClientSatisfaction: 9}
	store.ratings[mockRatingKey("t2", "a")] = domain.Rating{TaskID: "t2", UserID: "a", ClientSatisfaction: 8}
	store.ratings[mockRatingKey("t3", "a")] = domain.Rating{TaskID: "t3", UserID: "a", ClientSatisfaction: 5}

	rec := doRequest(t, getSolution(store, mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/solution?effortLimit=10", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sol domain.Solution
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &sol); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sol.Tasks) != 2 || sol.TotalEffort != 9 {
		t.Fatalf("unexpected solution: %#v", sol)
	}
}

func TestGetSolutionRequiresEffortLimit(t *testing.T) {
	rec := doRequest(t, getSolution(newMockStore(), mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/solution", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetSolutionStorageFailure(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("table unavailable")
	rec := doRequest(t, getSolution(store, mockAuth{}, log.New()),
		http.MethodGet, "/api/orgs/org1/solution?effortLimit=5", "",
		[]string{"orgId"}, []string{"org1"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

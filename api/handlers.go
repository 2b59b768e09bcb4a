package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

const putBodyMaxSize = 4 * 1024 // 4 KiB

const idempotencyHeader = "Idempotency-Key"

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	ledger := domain.NewLedger(store)

	e.PUT("/api/orgs/:orgId/tasks/:taskId/effort", putEffort(store, ledger, auth, deduper))
	e.PUT("/api/orgs/:orgId/tasks/:taskId/valuation", putValuation(store, ledger, auth, deduper))
	e.PUT("/api/orgs/:orgId/members/:userId/weight", putMemberWeight(store, ledger, auth, deduper))
	e.GET("/api/orgs/:orgId/tasks/top", getTopTasks(store, auth, logger))
	e.GET("/api/orgs/:orgId/solution", getSolution(store, auth, logger))
	e.GET("/healthz", healthz())

	initEventPublisher(store, logger)
}

type effortRequest struct {
	Effort *int `json:"effort"`
}

type valuationRequest struct {
	ClientWeight *int `json:"clientWeight"`
}

type weightRequest struct {
	Weight *int `json:"weight"`
}

type weightResponse struct {
	UpdatedRatings int `json:"updatedRatings"`
}

type rankedTaskResponse struct {
	domain.RankedTask
	TotalSatisfaction int `json:"totalSatisfaction"`
}

type topTasksResponse struct {
	Tasks []rankedTaskResponse `json:"tasks"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, putBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// domainError maps the error taxonomy onto HTTP statuses.
func domainError(c echo.Context, err error) error {
	switch {
	case domain.IsValidation(err):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return c.String(http.StatusForbidden, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

// claimIdempotencyKey reserves the request's idempotency key, when one is
// supplied. It reports whether the request is a replay of an already
// processed mutation. Deduper failures degrade to processing the request;
// the mutations are natural upserts, so a duplicate write is benign.
func claimIdempotencyKey(ctx context.Context, c echo.Context, deduper Deduper, userID string) (key string, replay bool) {
	key = strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	if key == "" || deduper == nil {
		return "", false
	}
	added, err := deduper.Add(ctx, userID, key)
	if err != nil {
		c.Logger().Warnf("idempotency check failed: %v", err)
		return "", false
	}
	if !added {
		return key, true
	}
	return key, false
}

func releaseIdempotencyKey(ctx context.Context, c echo.Context, deduper Deduper, userID, key string) {
	if key == "" || deduper == nil {
		return
	}
	if err := deduper.Remove(ctx, userID, key); err != nil {
		c.Logger().Errorf("idempotency rollback failed: %v, key: %s", err, key)
	}
}

func putEffort(store Storage, ledger domain.Ledger, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		orgID := c.Param("orgId")
		taskID := c.Param("taskId")

		var req effortRequest
		if err := decodeBody(c, &req); err != nil || req.Effort == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key, replay := claimIdempotencyKey(ctx, c, deduper, userID)
		if replay {
			rating, err := store.GetRating(ctx, orgID, taskID, userID)
			if err != nil || rating == nil {
				return c.NoContent(http.StatusNoContent)
			}
			return c.JSON(http.StatusOK, rating)
		}

		rating, err := ledger.SetEffort(ctx, orgID, taskID, userID, *req.Effort)
		if err != nil {
			releaseIdempotencyKey(ctx, c, deduper, userID, key)
			return domainError(c, err)
		}

		publishEvents(domain.ChangeEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventEffortSet,
			OrganizationID: orgID,
			UserID:         userID,
			TaskID:         taskID,
			Timestamp:      nextTimestamp(),
		})
		return c.JSON(http.StatusOK, rating)
	}
}

func putValuation(store Storage, ledger domain.Ledger, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		orgID := c.Param("orgId")
		taskID := c.Param("taskId")

		var req valuationRequest
		if err := decodeBody(c, &req); err != nil || req.ClientWeight == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key, replay := claimIdempotencyKey(ctx, c, deduper, userID)
		if replay {
			rating, err := store.GetRating(ctx, orgID, taskID, userID)
			if err != nil || rating == nil {
				return c.NoContent(http.StatusNoContent)
			}
			return c.JSON(http.StatusOK, rating)
		}

		rating, err := ledger.SetValuation(ctx, orgID, taskID, userID, *req.ClientWeight)
		if err != nil {
			releaseIdempotencyKey(ctx, c, deduper, userID, key)
			return domainError(c, err)
		}

		publishEvents(domain.ChangeEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventValuationSet,
			OrganizationID: orgID,
			UserID:         userID,
			TaskID:         taskID,
			Timestamp:      nextTimestamp(),
		})
		return c.JSON(http.StatusOK, rating)
	}
}

func putMemberWeight(store Storage, ledger domain.Ledger, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		callerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		orgID := c.Param("orgId")
		targetID := c.Param("userId")

		// Only admin-weight members may change weights.
		caller, err := store.GetMember(ctx, orgID, callerID)
		if err != nil {
			return domainError(c, err)
		}
		if caller == nil || caller.Weight != domain.AdminWeight {
			return c.String(http.StatusForbidden, domain.ErrForbidden.Error())
		}

		var req weightRequest
		if err := decodeBody(c, &req); err != nil || req.Weight == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key, replay := claimIdempotencyKey(ctx, c, deduper, callerID)
		if replay {
			return c.JSON(http.StatusOK, weightResponse{})
		}

		n, err := ledger.SetMemberWeight(ctx, orgID, targetID, *req.Weight)
		if err != nil {
			releaseIdempotencyKey(ctx, c, deduper, callerID, key)
			return domainError(c, err)
		}

		publishEvents(domain.ChangeEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventMemberWeightSet,
			OrganizationID: orgID,
			UserID:         targetID,
			Timestamp:      nextTimestamp(),
		})
		return c.JSON(http.StatusOK, weightResponse{UpdatedRatings: n})
	}
}

func getTopTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newReadRequestMetrics(ctx, logger, "/api/orgs/:orgId/tasks/top")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		orgID := c.Param("orgId")

		n := domain.DefaultTopTasks
		if raw := strings.TrimSpace(c.QueryParam("n")); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				metrics.SetErrorStage("invalid_n")
				err = c.String(http.StatusBadRequest, "invalid n")
				return err
			}
			n = parsed
		}

		fetchStart := time.Now()
		tasks, ratings, weights, fetchErr := fetchOrgState(ctx, store, orgID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		computeStart := time.Now()
		grouped := domain.GroupRatings(ratings)
		top := domain.TopN(domain.Rank(tasks, grouped, weights), n)
		out := make([]rankedTaskResponse, 0, len(top))
		for _, rt := range top {
			out = append(out, rankedTaskResponse{
				RankedTask:        rt,
				TotalSatisfaction: domain.TotalSatisfaction(weights, grouped[rt.ID]),
			})
		}
		metrics.ObserveCompute(time.Since(computeStart))
		metrics.SetItemsReturned(len(out))

		err = c.JSON(http.StatusOK, topTasksResponse{Tasks: out})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getSolution(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newReadRequestMetrics(ctx, logger, "/api/orgs/:orgId/solution")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		orgID := c.Param("orgId")

		effortLimit, parseErr := strconv.Atoi(strings.TrimSpace(c.QueryParam("effortLimit")))
		if parseErr != nil || effortLimit < 0 {
			metrics.SetErrorStage("invalid_effort_limit")
			err = c.String(http.StatusBadRequest, "invalid effort limit")
			return err
		}
		effortFilter := 0
		if raw := strings.TrimSpace(c.QueryParam("effortFilter")); raw != "" {
			effortFilter, parseErr = strconv.Atoi(raw)
			if parseErr != nil || effortFilter < 0 {
				metrics.SetErrorStage("invalid_effort_filter")
				err = c.String(http.StatusBadRequest, "invalid effort filter")
				return err
			}
		}

		fetchStart := time.Now()
		tasks, ratings, weights, fetchErr := fetchOrgState(ctx, store, orgID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		computeStart := time.Now()
		sol := domain.BuildSolution(tasks, domain.GroupRatings(ratings), weights, effortLimit, effortFilter)
		metrics.ObserveCompute(time.Since(computeStart))
		metrics.SetItemsReturned(len(sol.Tasks))

		err = c.JSON(http.StatusOK, sol)
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func fetchOrgState(ctx context.Context, store Storage, orgID string) ([]domain.Task, []domain.Rating, domain.WeightMap, error) {
	tasks, err := store.ListTasks(ctx, orgID)
	if err != nil {
		return nil, nil, nil, err
	}
	ratings, err := store.ListRatings(ctx, orgID)
	if err != nil {
		return nil, nil, nil, err
	}
	weights, err := store.ListWeights(ctx, orgID)
	if err != nil {
		return nil, nil, nil, err
	}
	return tasks, ratings, weights, nil
}

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// seedRow writes an execution row directly, bypassing the engine, so
// management operations can be tested against arbitrary statuses.
func seedRow(t *testing.T, env *testEnv, status schema.ExecutionStatus) *store.ExecutionRecord {
	t.Helper()
	rec := &store.ExecutionRecord{
		ID:        uuid.New().String(),
		OrgID:     "org-1",
		UserID:    "user-1",
		ActionKey: "seeded.action",
		Status:    schema.ExecutionPending,
		Inputs:    map[string]any{"k": "v"},
		CreatedAt: time.Now().UTC().Add(-2 * time.Second),
	}
	require.NoError(t, env.store.CreateExecution(context.Background(), rec))
	if status != schema.ExecutionPending {
		s := status
		require.NoError(t, env.store.UpdateExecution(context.Background(), rec.ID,
			store.ExecutionUpdate{Status: &s}))
		rec.Status = status
	}
	return rec
}

func TestCancelExecution_Pending(t *testing.T) {
	env := newTestEnv(t)
	rec := seedRow(t, env, schema.ExecutionPending)

	cancelled, err := env.engine.CancelExecution(context.Background(), env.tenant, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, cancelled.Status)
	// Duration runs from creation to the cancel call, not the dispatch.
	assert.GreaterOrEqual(t, cancelled.DurationMs, int64(2000))

	stored, err := env.store.GetExecution(context.Background(), "org-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)

	events, err := env.store.GetEvents(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, schema.EventExecutionCancelled, last.Type)
	assert.Equal(t, string(schema.ExecutionCancelled), last.To)
}

func TestCancelExecution_DuringFlight(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "slow", Method: "GET", Endpoint: "/wait"})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.ExecuteAction(context.Background(), env.tenant, "slow", nil)
		done <- err
	}()

	var execID string
	require.Eventually(t, func() bool {
		recs, err := env.store.ListExecutions(context.Background(), store.ExecutionFilter{OrgID: "org-1"})
		if err != nil || len(recs) == 0 || recs[0].Status != schema.ExecutionRunning {
			return false
		}
		execID = recs[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancelled, err := env.engine.CancelExecution(context.Background(), env.tenant, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, cancelled.Status)

	close(release)
	select {
	case execErr := <-done:
		require.Error(t, execErr)
		assert.True(t, schema.IsCode(execErr, schema.ErrCodeCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not return after release")
	}

	// The in-flight terminal write lost the race and must not clobber the
	// cancelled row.
	stored, err := env.store.GetExecution(context.Background(), "org-1", execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
	assert.Empty(t, stored.Outputs)

	events, err := env.store.GetEvents(context.Background(), execID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, string(schema.ExecutionCompleted), ev.To)
	}
}

func TestCancelExecution_DuringFlightUpstreamError(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "slow-fail", Method: "GET", Endpoint: "/wait"})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.ExecuteAction(context.Background(), env.tenant, "slow-fail", nil)
		done <- err
	}()

	var execID string
	require.Eventually(t, func() bool {
		recs, err := env.store.ListExecutions(context.Background(), store.ExecutionFilter{OrgID: "org-1"})
		if err != nil || len(recs) == 0 || recs[0].Status != schema.ExecutionRunning {
			return false
		}
		execID = recs[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.engine.CancelExecution(context.Background(), env.tenant, execID)
	require.NoError(t, err)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not return after release")
	}

	// The discarded failure write leaves the row cancelled, not failed.
	stored, err := env.store.GetExecution(context.Background(), "org-1", execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
}

func TestCancelExecution_Running(t *testing.T) {
	env := newTestEnv(t)
	rec := seedRow(t, env, schema.ExecutionRunning)

	cancelled, err := env.engine.CancelExecution(context.Background(), env.tenant, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, cancelled.Status)
}

func TestCancelExecution_Terminal(t *testing.T) {
	env := newTestEnv(t)
	for _, status := range []schema.ExecutionStatus{
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	} {
		rec := seedRow(t, env, status)
		_, err := env.engine.CancelExecution(context.Background(), env.tenant, rec.ID)
		require.Error(t, err, "status %s", status)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	}
}

func TestCancelExecution_CrossOrg(t *testing.T) {
	env := newTestEnv(t)
	rec := seedRow(t, env, schema.ExecutionPending)

	other := schema.TenantContext{OrgID: "org-2"}
	_, err := env.engine.CancelExecution(context.Background(), other, rec.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRetryExecution(t *testing.T) {
	// Fails on the first call, succeeds afterwards.
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message":"transient"}`, http.StatusBadGateway)
			return
		}
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"echo": body["note"]})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{
		Key: "retryable", Method: "POST", Endpoint: "/x",
		InputSchema: []schema.ParameterDescriptor{
			{Name: "note", Type: schema.ParamString, Required: true},
		},
	})

	inputs := map[string]any{"note": "hello"}
	_, err := env.engine.ExecuteAction(context.Background(), env.tenant, "retryable", inputs)
	require.Error(t, err)

	recs, err := env.store.ListExecutions(context.Background(), store.ExecutionFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	failedID := recs[0].ID

	result, err := env.engine.RetryExecution(context.Background(), env.tenant, failedID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEqual(t, failedID, result.ExecutionID)
	assert.Equal(t, "hello", result.Data.(map[string]any)["echo"])

	retried, err := env.store.GetExecution(context.Background(), "org-1", result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, failedID, retried.ParentID)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, inputs, retried.Inputs)

	// The original row is untouched.
	original, err := env.store.GetExecution(context.Background(), "org-1", failedID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, original.Status)
}

func TestExecutionAttempts(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "{}", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "lineage", Method: "GET", Endpoint: "/x"})

	ctx := context.Background()
	_, err := env.engine.ExecuteAction(ctx, env.tenant, "lineage", nil)
	require.Error(t, err)

	recs, err := env.store.ListExecutions(ctx, store.ExecutionFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rootID := recs[0].ID

	_, err = env.engine.RetryExecution(ctx, env.tenant, rootID)
	require.Error(t, err) // second upstream failure

	firstRetry, err := env.engine.ListExecutions(ctx, env.tenant, "", schema.ExecutionFailed, 0)
	require.NoError(t, err)
	require.Len(t, firstRetry, 2)

	result, err := env.engine.RetryExecution(ctx, env.tenant, firstRetry[0].ID)
	require.NoError(t, err)

	chain, err := env.engine.ExecutionAttempts(ctx, env.tenant, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, rootID, chain[0].ID)
	assert.Equal(t, 0, chain[0].RetryCount)
	assert.Equal(t, 2, chain[2].RetryCount)
	assert.Equal(t, schema.ExecutionCompleted, chain[2].Status)

	// Cross-org sees nothing.
	_, err = env.engine.ExecutionAttempts(ctx, schema.TenantContext{OrgID: "org-2"}, rootID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRetryExecution_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "seeded.action", Method: "GET", Endpoint: "/x"})
	rec := seedRow(t, env, schema.ExecutionCancelled)

	result, err := env.engine.RetryExecution(context.Background(), env.tenant, rec.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRetryExecution_NonTerminal(t *testing.T) {
	env := newTestEnv(t)
	for _, status := range []schema.ExecutionStatus{
		schema.ExecutionPending,
		schema.ExecutionRunning,
		schema.ExecutionCompleted,
	} {
		rec := seedRow(t, env, status)
		_, err := env.engine.RetryExecution(context.Background(), env.tenant, rec.ID)
		require.Error(t, err, "status %s", status)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	}
}

func TestListExecutions_Filters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/fail" {
			http.Error(w, "{}", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "list.ok", Method: "GET", Endpoint: "/ok"})
	env.registerAction(t, ts.URL, &schema.Action{Key: "list.bad", Method: "GET", Endpoint: "/fail"})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.engine.ExecuteAction(ctx, env.tenant, "list.ok", nil)
		require.NoError(t, err)
	}
	_, err := env.engine.ExecuteAction(ctx, env.tenant, "list.bad", nil)
	require.Error(t, err)

	all, err := env.engine.ListExecutions(ctx, env.tenant, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byKey, err := env.engine.ListExecutions(ctx, env.tenant, "list.ok", "", 0)
	require.NoError(t, err)
	assert.Len(t, byKey, 2)

	failed, err := env.engine.ListExecutions(ctx, env.tenant, "", schema.ExecutionFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "list.bad", failed[0].ActionKey)

	limited, err := env.engine.ListExecutions(ctx, env.tenant, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// No bleed across orgs.
	other, err := env.engine.ListExecutions(ctx, schema.TenantContext{OrgID: "org-2"}, "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestExecutionTimeline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	env := newTestEnv(t)
	env.registerAction(t, ts.URL, &schema.Action{Key: "traced", Method: "GET", Endpoint: "/x"})

	result, err := env.engine.ExecuteAction(context.Background(), env.tenant, "traced", nil)
	require.NoError(t, err)

	events, err := env.engine.ExecutionTimeline(context.Background(), env.tenant, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventExecutionCreated, events[0].Type)
	assert.Equal(t, schema.EventExecutionStarted, events[1].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[2].Type)

	_, err = env.engine.ExecutionTimeline(context.Background(),
		schema.TenantContext{OrgID: "org-2"}, result.ExecutionID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestGetExecutionStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := seedRow(t, env, schema.ExecutionPending)

	got, err := env.engine.GetExecutionStatus(context.Background(), env.tenant, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = env.engine.GetExecutionStatus(context.Background(),
		schema.TenantContext{OrgID: "org-2"}, rec.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

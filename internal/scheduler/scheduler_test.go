package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// mockRunStore satisfies the scheduled-run slice of store.Store.
type mockRunStore struct {
	store.Store
	mu   sync.Mutex
	runs map[string]*store.ScheduledRun
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[string]*store.ScheduledRun)}
}

func (m *mockRunStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockRunStore) GetScheduledRun(_ context.Context, orgID, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.OrgID != orgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run not found: %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRunStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run not found: %s", id)
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *mockRunStore) ListDueRuns(_ context.Context, limit int) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var due []*store.ScheduledRun
	for _, r := range m.runs {
		if !r.Enabled {
			continue
		}
		if r.NextRunAt != nil && r.NextRunAt.After(now) {
			continue
		}
		cp := *r
		due = append(due, &cp)
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *mockRunStore) ListScheduledRuns(_ context.Context, orgID string) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledRun
	for _, r := range m.runs {
		if r.OrgID != orgID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRunStore) DeleteScheduledRun(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

// mockRunner records ExecuteAction calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

type execCall struct {
	Tenant    schema.TenantContext
	ActionKey string
	Inputs    map[string]any
}

func (r *mockRunner) ExecuteAction(_ context.Context, tenant schema.TenantContext, actionKey string, inputs map[string]any) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, execCall{Tenant: tenant, ActionKey: actionKey, Inputs: inputs})
	if r.err != nil {
		return nil, r.err
	}
	return &schema.ExecutionResult{Success: true, ExecutionID: "exec-1"}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := New(newMockRunStore(), &mockRunner{}, nil)
	from := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	ms := newMockRunStore()
	sched := New(ms, &mockRunner{}, nil)
	ctx := context.Background()

	run := &store.ScheduledRun{
		ID:        "run-1",
		OrgID:     "org-1",
		ActionKey: "report.daily",
		CronExpr:  "0 9 * * *",
		Enabled:   true,
	}
	require.NoError(t, sched.Register(ctx, run))
	require.NotNil(t, run.NextRunAt)
	assert.True(t, run.NextRunAt.After(time.Now().UTC()))

	// Invalid cron is rejected before hitting the store.
	err := sched.Register(ctx, &store.ScheduledRun{ID: "run-2", CronExpr: "bogus"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, getErr := ms.GetScheduledRun(ctx, "", "run-2")
	require.Error(t, getErr)
}

func TestRunsListsPerOrg(t *testing.T) {
	ms := newMockRunStore()
	sched := New(ms, &mockRunner{}, nil)
	ctx := context.Background()

	require.NoError(t, sched.Register(ctx, &store.ScheduledRun{
		ID: "run-1", OrgID: "org-1", ActionKey: "report.daily", CronExpr: "0 9 * * *", Enabled: true,
	}))
	require.NoError(t, sched.Register(ctx, &store.ScheduledRun{
		ID: "run-2", OrgID: "org-1", ActionKey: "sync.hourly", CronExpr: "0 * * * *", Enabled: false,
	}))
	require.NoError(t, sched.Register(ctx, &store.ScheduledRun{
		ID: "run-3", OrgID: "org-2", ActionKey: "report.daily", CronExpr: "0 9 * * *", Enabled: true,
	}))

	runs, err := sched.Runs(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = sched.Runs(ctx, "org-3")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSetEnabled(t *testing.T) {
	ms := newMockRunStore()
	sched := New(ms, &mockRunner{}, nil)
	ctx := context.Background()

	require.NoError(t, sched.Register(ctx, &store.ScheduledRun{
		ID: "run-1", OrgID: "org-1", ActionKey: "report.daily", CronExpr: "0 9 * * *", Enabled: true,
	}))

	require.NoError(t, sched.SetEnabled(ctx, "org-1", "run-1", false))
	got, err := ms.GetScheduledRun(ctx, "org-1", "run-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// Re-enabling recomputes the due time instead of firing for missed slots.
	stale := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, ms.UpdateScheduledRun(ctx, "run-1", store.ScheduledRunUpdate{NextRunAt: &stale}))
	require.NoError(t, sched.SetEnabled(ctx, "org-1", "run-1", true))

	got, err = ms.GetScheduledRun(ctx, "org-1", "run-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))

	// Unknown run surfaces NotFound from the store.
	err = sched.SetEnabled(ctx, "org-1", "missing", true)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTickDispatchesDueRuns(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:        "run-1",
		OrgID:     "org-1",
		UserID:    "user-1",
		ActionKey: "report.daily",
		CronExpr:  "0 * * * *",
		Inputs:    map[string]any{"format": "pdf"},
		Enabled:   true,
		NextRunAt: &past,
	}))

	sched.Tick(ctx)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "report.daily", call.ActionKey)
	assert.Equal(t, schema.TenantContext{OrgID: "org-1", UserID: "user-1"}, call.Tenant)
	assert.Equal(t, "pdf", call.Inputs["format"])

	got, err := ms.GetScheduledRun(ctx, "org-1", "run-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueRuns(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-future", OrgID: "org-1", ActionKey: "report.daily",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, runner.callCount())
}

func TestTickSkipsDisabledRuns(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-off", OrgID: "org-1", ActionKey: "report.daily",
		CronExpr: "0 * * * *", Enabled: false, NextRunAt: &past,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, runner.callCount())
}

func TestTickAdvancesAfterFailure(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{err: assert.AnError}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-fail", OrgID: "org-1", ActionKey: "flaky.action",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	sched.Tick(ctx)

	// A failing action still advances the due time.
	got, err := ms.GetScheduledRun(ctx, "org-1", "run-fail")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.NotNil(t, got.LastRunAt)
}

func TestTickDisablesUnparseableCron(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	// Bypasses Register, simulating a row corrupted out of band.
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-bad", OrgID: "org-1", ActionKey: "report.daily",
		CronExpr: "not a cron", Enabled: true, NextRunAt: &past,
	}))

	sched.Tick(ctx)

	got, err := ms.GetScheduledRun(ctx, "org-1", "run-bad")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-dedup", OrgID: "org-1", ActionKey: "report.daily",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	// Pre-acquire to simulate an in-flight execution.
	assert.True(t, sched.tryAcquire("run-dedup"))

	sched.Tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again.
	sched.release("run-dedup")
	sched.Tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "run-again", OrgID: "org-1", ActionKey: "report.daily",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledRun(ctx, "run-again", store.ScheduledRunUpdate{
		NextRunAt: &past2,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleRunsSomeDue(t *testing.T) {
	ms := newMockRunStore()
	runner := &mockRunner{}
	sched := New(ms, runner, nil)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-1", OrgID: "org-1", ActionKey: "alpha",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "not-due", OrgID: "org-1", ActionKey: "beta",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-2", OrgID: "org-1", ActionKey: "gamma",
		CronExpr: "0 * * * *", Enabled: true, NextRunAt: nil,
	}))

	sched.Tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	keys := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		keys[i] = c.ActionKey
	}
	runner.mu.Unlock()
	assert.Contains(t, keys, "alpha")
	assert.Contains(t, keys, "gamma")
	assert.NotContains(t, keys, "beta")
}

func TestStartStop(t *testing.T) {
	sched := New(newMockRunStore(), &mockRunner{}, nil)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

package engine

import (
	"context"
	"sync"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; FSMs emit a transition event for
// every successful status change.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.TransitionEvent) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and records each
// one in the append-only event log.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a state transition, emitting the
// corresponding event. The caller is responsible for persisting the new
// status on the execution row.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if err := f.Guard(executionID, from, to); err != nil {
		return err
	}
	return f.Record(ctx, executionID, from, to)
}

// Guard validates the transition and runs the before hooks without
// recording anything. Callers that persist the status with a
// compare-and-set guard first, write, then Record, so a lost race never
// leaves a stray event in the log.
func (f *ExecutionFSM) Guard(executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithExecution(executionID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	for _, hook := range f.before[hookKey{from, to}] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// Record appends the transition event and runs the after hooks.
func (f *ExecutionFSM) Record(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := hookKey{from, to}
	event := &store.TransitionEvent{
		ExecutionID: executionID,
		Type:        transitionEventType(to),
		From:        string(from),
		To:          string(to),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit transition event: %s", err.Error()).WithCause(err)
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether the transition is allowed without executing it.
func (f *ExecutionFSM) CanTransition(from, to schema.ExecutionStatus) bool {
	return isValidTransition(from, to)
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return schema.EventExecutionCreated
	}
}

// ValidTransitions defines the allowed status transitions for executions.
// Terminal statuses have no outgoing transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/toolrun/toolrun/pkg/schema"
)

// AppendEvent appends a transition event with a monotonically increasing
// per-execution sequence. The sequence read and insert run in one
// transaction on the single write connection, so sequences never collide.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *TransitionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`,
		event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, event_type, from_status, to_status, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.Type, nullStr(event.From), nullStr(event.To),
		nullRaw(event.Payload), seq, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered
// by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, event_type, from_status, to_status, payload, sequence, timestamp
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TransitionEvent
	for rows.Next() {
		e := &TransitionEvent{}
		var from, to, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Type, &from, &to, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.From = from.String
		e.To = to.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StatusPoint is one step of an execution's status history.
type StatusPoint struct {
	Status    schema.ExecutionStatus `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
}

// StatusTimeline replays an execution's events into an ordered list of
// status changes, validating sequence contiguity.
func (s *LibSQLStore) StatusTimeline(ctx context.Context, executionID string) ([]StatusPoint, error) {
	events, err := s.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for timeline: %w", err)
	}

	timeline := make([]StatusPoint, 0, len(events))
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		if e.To == "" {
			continue
		}
		timeline = append(timeline, StatusPoint{
			Status:    schema.ExecutionStatus(e.To),
			Timestamp: e.Timestamp,
		})
	}
	return timeline, nil
}

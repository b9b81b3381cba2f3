package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/toolrun/toolrun/internal/credentials"
	"github.com/toolrun/toolrun/internal/secrets"
	"github.com/toolrun/toolrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Credential blobs pass through the configured cipher on the way in
// and out.
type LibSQLStore struct {
	db     *sql.DB
	cipher secrets.Cipher
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db". A nil cipher
// stores credentials in plaintext.
func NewLibSQLStore(dbPath string, cipher secrets.Cipher) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if cipher == nil {
		cipher = secrets.Plaintext{}
	}
	return &LibSQLStore{db: db, cipher: cipher}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	inputs, err := marshalMapOrDefault(rec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	execErr, err := marshalExecError(rec.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, org_id, user_id, action_id, action_key, status, inputs, outputs, error, duration_ms, retry_count, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.UserID, nullStr(rec.ActionID), rec.ActionKey,
		string(rec.Status), string(inputs), nullRaw(rec.Outputs), execErr,
		nullInt(rec.DurationMs), rec.RetryCount, nullStr(rec.ParentID),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, orgID, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, action_id, action_key, status, inputs, outputs, error, duration_ms, retry_count, parent_id, created_at, updated_at
		 FROM executions WHERE id = ? AND org_id = ?`, id, orgID)
	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return rec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ActionID != nil {
		sets = append(sets, "action_id = ?")
		args = append(args, *update.ActionID)
	}
	if update.ActionKey != nil {
		sets = append(sets, "action_key = ?")
		args = append(args, *update.ActionKey)
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		execErr, err := marshalExecError(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, execErr)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}

	where := "id = ?"
	args = append(args, id)
	if update.ExpectStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE executions SET %s WHERE %s`, strings.Join(sets, ", "), where), args...)
	if err != nil {
		return err
	}
	if update.ExpectStatus != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution %s is no longer %s", id, *update.ExpectStatus)
		}
		return nil
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	if filter.OrgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "list executions requires org_id")
	}

	where := []string{"org_id = ?"}
	args := []any{filter.OrgID}
	if filter.ActionKey != "" {
		where = append(where, "action_key = ?")
		args = append(args, filter.ActionKey)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, org_id, user_id, action_id, action_key, status, inputs, outputs, error, duration_ms, retry_count, parent_id, created_at, updated_at
		 FROM executions WHERE %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListExecutionAttempts returns every row in the retry lineage of the given
// execution, oldest first: the root attempt and all retries that descend
// from it, however the chain branches.
func (s *LibSQLStore) ListExecutionAttempts(ctx context.Context, orgID, id string) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE up(id, parent_id) AS (
		   SELECT id, parent_id FROM executions WHERE id = ? AND org_id = ?
		   UNION ALL
		   SELECT e.id, e.parent_id FROM executions e JOIN up ON e.id = up.parent_id
		 ),
		 chain(id) AS (
		   SELECT id FROM up WHERE parent_id IS NULL
		   UNION ALL
		   SELECT e.id FROM executions e JOIN chain ON e.parent_id = chain.id
		 )
		 SELECT id, org_id, user_id, action_id, action_key, status, inputs, outputs, error, duration_ms, retry_count, parent_id, created_at, updated_at
		 FROM executions WHERE id IN (SELECT id FROM chain) AND org_id = ?
		 ORDER BY created_at ASC, id ASC`,
		id, orgID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, storeNotFound("execution", id)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		actionID, parentID    sql.NullString
		inputsJSON, status    string
		outputsJSON, errJSON  sql.NullString
		durationMs            sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.UserID, &actionID, &rec.ActionKey,
		&status, &inputsJSON, &outputsJSON, &errJSON, &durationMs,
		&rec.RetryCount, &parentID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.ActionID = actionID.String
	rec.ParentID = parentID.String
	rec.DurationMs = durationMs.Int64
	rec.Outputs = rawOrNil(outputsJSON)
	if inputsJSON != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &rec.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		rec.Error = &schema.ExecutionError{}
		if err := json.Unmarshal([]byte(errJSON.String), rec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return rec, nil
}

// --- Credentials ---

func (s *LibSQLStore) GetToolAuth(ctx context.Context, orgID, toolID string) (*credentials.ToolAuthConfig, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM tool_auth WHERE org_id = ? AND tool_id = ?`, orgID, toolID,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tool auth", toolID)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, err
	}
	cfg := &credentials.ToolAuthConfig{}
	if err := json.Unmarshal(plain, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal tool auth: %w", err)
	}
	return cfg, nil
}

func (s *LibSQLStore) PutToolAuth(ctx context.Context, orgID, toolID string, cfg *credentials.ToolAuthConfig) error {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tool auth: %w", err)
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_auth (org_id, tool_id, config, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(org_id, tool_id) DO UPDATE SET config=excluded.config, updated_at=CURRENT_TIMESTAMP`,
		orgID, toolID, sealed,
	)
	return err
}

func (s *LibSQLStore) GetUserToken(ctx context.Context, orgID, userID, toolID string) (*credentials.TokenRecord, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM user_tokens WHERE org_id = ? AND user_id = ? AND tool_id = ?`,
		orgID, userID, toolID,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user token", toolID)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, err
	}
	rec := &credentials.TokenRecord{}
	if err := json.Unmarshal(plain, rec); err != nil {
		return nil, fmt.Errorf("unmarshal user token: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) PutUserToken(ctx context.Context, orgID, userID, toolID string, rec *credentials.TokenRecord) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal user token: %w", err)
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_tokens (org_id, user_id, tool_id, token, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(org_id, user_id, tool_id) DO UPDATE SET token=excluded.token, updated_at=CURRENT_TIMESTAMP`,
		orgID, userID, toolID, sealed,
	)
	return err
}

// --- Scheduled Runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, org_id, user_id, action_key, cron_expr, inputs, enabled, next_run_at, last_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.UserID, run.ActionKey, run.CronExpr, string(inputs),
		boolToInt(run.Enabled), nullTime(run.NextRunAt), nullTime(run.LastRunAt),
		timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, orgID, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, action_key, cron_expr, inputs, enabled, next_run_at, last_run_at, created_at
		 FROM scheduled_runs WHERE id = ? AND org_id = ?`, id, orgID)
	run, err := scanScheduledRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scheduled_runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListDueRuns(ctx context.Context, limit int) ([]*ScheduledRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, action_key, cron_expr, inputs, enabled, next_run_at, last_run_at, created_at
		 FROM scheduled_runs
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= CURRENT_TIMESTAMP
		 ORDER BY next_run_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, orgID string) ([]*ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, action_key, cron_expr, inputs, enabled, next_run_at, last_run_at, created_at
		 FROM scheduled_runs
		 WHERE org_id = ?
		 ORDER BY created_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_runs WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func scanScheduledRun(row rowScanner) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var (
		inputsJSON         string
		enabled            int
		nextRun, lastRun   sql.NullTime
	)
	err := row.Scan(&run.ID, &run.OrgID, &run.UserID, &run.ActionKey, &run.CronExpr,
		&inputsJSON, &enabled, &nextRun, &lastRun, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Enabled = enabled != 0
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if inputsJSON != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &run.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalExecError(e *schema.ExecutionError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

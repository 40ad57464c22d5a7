package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"montage/internal/config"
	"montage/internal/pipeline"
)

// Store manages run persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the run database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.StateDir, "runs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// CreateRun inserts a new pending run for an asset and returns it.
func (s *Store) CreateRun(ctx context.Context, assetRef string) (*Run, error) {
	assetRef = strings.TrimSpace(assetRef)
	if assetRef == "" {
		return nil, errors.New("asset ref is required")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	err := s.execWithRetry(ctx,
		`INSERT INTO runs (
            id, asset_ref, status, current_stage, attempts_json,
            refinement_count, revision, created_at, updated_at
        ) VALUES (?, ?, ?, ?, '{}', 0, 0, ?, ?)`,
		id,
		assetRef,
		StatusPending,
		pipeline.First(),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return s.GetRun(ctx, id)
}

// GetRun fetches a run by identifier. Unknown runs return nil without error.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRunsByStatus returns runs matching any of the provided statuses ordered
// by creation time, or all runs when none is given.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...Status) ([]*Run, error) {
	baseQuery := `SELECT ` + runColumns + ` FROM runs`
	orderClause := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Outcomes returns the append-only history of a run in insertion order.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, refinement_cycle, stage, attempt, result, payload_ref, metadata_json, reason, started_at, finished_at
         FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []StageOutcome
	for rows.Next() {
		var (
			outcome     StageOutcome
			stageStr    string
			resultStr   string
			payloadRef  sql.NullString
			metadata    sql.NullString
			reason      sql.NullString
			startedRaw  string
			finishedRaw string
		)
		if err := rows.Scan(
			&outcome.RunID,
			&outcome.Cycle,
			&stageStr,
			&outcome.Attempt,
			&resultStr,
			&payloadRef,
			&metadata,
			&reason,
			&startedRaw,
			&finishedRaw,
		); err != nil {
			return nil, err
		}
		outcome.Stage = pipeline.Stage(stageStr)
		outcome.Result = Result(resultStr)
		outcome.PayloadRef = payloadRef.String
		outcome.MetadataJSON = metadata.String
		outcome.Reason = reason.String
		if started, err := parseTimeString(startedRaw); err == nil {
			outcome.StartedAt = started
		}
		if finished, err := parseTimeString(finishedRaw); err == nil {
			outcome.FinishedAt = finished
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, rows.Err()
}

// ApplyTransition atomically appends an outcome (when provided) and persists
// the run's new state, guarded by the run's last-seen revision. A stale
// revision returns ErrConflict and writes nothing. Re-inserting an outcome
// for an already-recorded (run, cycle, stage, attempt) is a no-op for
// history, so replayed transitions never duplicate the audit trail while a
// later refinement cycle's reuse of the same stage and attempt numbers still
// appends its own row.
func (s *Store) ApplyTransition(ctx context.Context, run *Run, outcome *StageOutcome) error {
	if run == nil {
		return errors.New("run is nil")
	}

	attemptsJSON, err := json.Marshal(attemptsForJSON(run.Attempts))
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	now := time.Now().UTC()

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if outcome != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO outcomes (
                    run_id, refinement_cycle, stage, attempt, result, payload_ref, metadata_json, reason, started_at, finished_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (run_id, refinement_cycle, stage, attempt) DO NOTHING`,
				outcome.RunID,
				outcome.Cycle,
				outcome.Stage,
				outcome.Attempt,
				outcome.Result,
				nullableString(outcome.PayloadRef),
				nullableString(outcome.MetadataJSON),
				nullableString(outcome.Reason),
				outcome.StartedAt.UTC().Format(time.RFC3339Nano),
				outcome.FinishedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return fmt.Errorf("append outcome: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE runs
             SET asset_ref = ?, status = ?, current_stage = ?, attempts_json = ?,
                 refinement_count = ?, feedback = ?, output_ref = ?,
                 failure_cause = ?, error_message = ?,
                 revision = revision + 1, updated_at = ?
             WHERE id = ? AND revision = ?`,
			run.AssetRef,
			run.Status,
			run.CurrentStage,
			string(attemptsJSON),
			run.RefinementCount,
			nullableString(run.Feedback),
			nullableString(run.OutputRef),
			nullableString(string(run.FailureCause)),
			nullableString(run.ErrorMessage),
			now.Format(time.RFC3339Nano),
			run.ID,
			run.Revision,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrConflict
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.Revision++
	run.UpdatedAt = now
	return nil
}

// Stats returns a count of runs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates run state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		default:
			health.Active += count
		}
	}
	return health, nil
}

func attemptsForJSON(attempts map[pipeline.Stage]int) map[string]int {
	out := make(map[string]int, len(attempts))
	for stage, count := range attempts {
		if count == 0 {
			continue
		}
		out[string(stage)] = count
	}
	return out
}

func attemptsFromJSON(raw string) (map[pipeline.Stage]int, error) {
	attempts := make(map[pipeline.Stage]int, 5)
	if strings.TrimSpace(raw) == "" {
		return attempts, nil
	}
	decoded := map[string]int{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	for name, count := range decoded {
		attempts[pipeline.Stage(name)] = count
	}
	return attempts, nil
}

const runColumns = "id, asset_ref, status, current_stage, attempts_json, refinement_count, feedback, output_ref, failure_cause, error_message, revision, created_at, updated_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		id           string
		assetRef     string
		statusStr    string
		stageStr     string
		attemptsRaw  string
		refinements  int
		feedback     sql.NullString
		outputRef    sql.NullString
		failureCause sql.NullString
		errorMessage sql.NullString
		revision     int64
		createdRaw   string
		updatedRaw   string
	)

	if err := scanner.Scan(
		&id,
		&assetRef,
		&statusStr,
		&stageStr,
		&attemptsRaw,
		&refinements,
		&feedback,
		&outputRef,
		&failureCause,
		&errorMessage,
		&revision,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	attempts, err := attemptsFromJSON(attemptsRaw)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:              id,
		AssetRef:        assetRef,
		Status:          Status(statusStr),
		CurrentStage:    pipeline.Stage(stageStr),
		Attempts:        attempts,
		RefinementCount: refinements,
		Feedback:        feedback.String,
		OutputRef:       outputRef.String,
		FailureCause:    FailureCause(failureCause.String),
		ErrorMessage:    errorMessage.String,
		Revision:        revision,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		run.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		run.UpdatedAt = updated
	}
	return run, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

package loom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	_ Store     = (*SQLiteStore)(nil)
	_ TxManager = (*SQLiteTxManager)(nil)
)

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a Store backed by an embedded SQLite database. It keeps a
// single connection, so transactions are serialized by the pool itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys=ON;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteInMemoryStore creates a private in-memory database.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	return NewSQLiteStore(context.Background(), ":memory:")
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) executor(ctx context.Context) sqlExecutor {
	if tx, ok := TxFromContext[*sql.Tx](ctx); ok && tx != nil {
		return tx
	}

	return s.db
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	stampRun(run, nil)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	const q = `INSERT INTO runs (id, fn_handle, fn_name, status, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.executor(ctx).ExecContext(ctx, q,
		run.ID, run.FnHandle, run.FnName, run.Status, string(doc),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var doc string
	err := s.executor(ctx).QueryRowContext(ctx, `SELECT doc FROM runs WHERE id = ?`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}

	return decodeDoc[Run]([]byte(doc))
}

func (s *SQLiteStore) ReplaceRun(ctx context.Context, run *Run) error {
	existing, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	stampRun(run, &existing.CreatedAt)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	const q = `UPDATE runs SET status = ?, doc = ?, updated_at = ? WHERE id = ?`
	if _, err := s.executor(ctx).ExecContext(ctx, q, run.Status, string(doc), formatTime(run.UpdatedAt), run.ID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	limit = pageLimit(limit)

	where := []string{"id > ?"}
	args := []any{cursor}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.FnName != "" {
		where = append(where, "fn_name = ?")
		args = append(args, filter.FnName)
	}
	args = append(args, limit+1)

	q := `SELECT doc FROM runs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id LIMIT ?`
	rows, err := s.executor(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		run, err := decodeDoc[Run]([]byte(doc))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &RunPage{IsDone: len(runs) <= limit}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	page.Runs = runs
	page.Cursor = nextCursor(runs, cursor)

	return page, nil
}

func (s *SQLiteStore) CountRunsByStatus(ctx context.Context) ([]RunStats, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var (
			status RunStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return statsFromCounts(counts), rows.Err()
}

func (s *SQLiteStore) InsertStepState(ctx context.Context, state *StepState) error {
	state.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(state)
	if err != nil {
		return err
	}

	const q = `INSERT INTO step_states (id, run_id, step_id, doc, ord, order_at_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.executor(ctx).ExecContext(ctx, q,
		state.ID, state.WorkflowID, state.StepID, string(doc), state.Order, state.OrderAtStart,
		formatTime(state.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step state: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetStepState(ctx context.Context, id string) (*StepState, error) {
	var doc string
	err := s.executor(ctx).QueryRowContext(ctx, `SELECT doc FROM step_states WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select step state: %w", err)
	}

	return decodeDoc[StepState]([]byte(doc))
}

func (s *SQLiteStore) GetStepHistory(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.executor(ctx).QueryContext(ctx,
		`SELECT doc FROM step_states WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, fmt.Errorf("select step history: %w", err)
	}
	defer rows.Close()

	var history []*StepState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		state, err := decodeDoc[StepState]([]byte(doc))
		if err != nil {
			return nil, err
		}
		history = append(history, state)
	}

	return history, rows.Err()
}

func (s *SQLiteStore) InsertWorkflowConfig(ctx context.Context, cfg *WorkflowConfig) error {
	cfg.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(cfg)
	if err != nil {
		return err
	}

	const q = `INSERT INTO workflow_configs (id, name, doc, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.executor(ctx).ExecContext(ctx, q, cfg.ID, cfg.Name, string(doc), formatTime(cfg.CreatedAt)); err != nil {
		return fmt.Errorf("insert workflow config: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetWorkflowConfig(ctx context.Context, id string) (*WorkflowConfig, error) {
	var doc string
	err := s.executor(ctx).QueryRowContext(ctx, `SELECT doc FROM workflow_configs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow config: %w", err)
	}

	return decodeDoc[WorkflowConfig]([]byte(doc))
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (*Settings, error) {
	var doc string
	err := s.executor(ctx).QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}

	return decodeDoc[Settings]([]byte(doc))
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *Settings) error {
	doc, err := encodeDoc(settings)
	if err != nil {
		return err
	}

	const q = `INSERT INTO settings (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`
	if _, err := s.executor(ctx).ExecContext(ctx, q, string(doc)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LogEvent(ctx context.Context, runID string, eventType string, payload any) error {
	doc, err := encodeDoc(payload)
	if err != nil {
		return err
	}

	const q = `INSERT INTO run_events (run_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.executor(ctx).ExecContext(ctx, q, runID, eventType, string(doc), formatTime(time.Now())); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := s.executor(ctx).QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, created_at FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var (
			ev        RunEvent
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, &ev)
	}

	return events, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SQLiteTxManager runs each transaction on the store's single connection.
type SQLiteTxManager struct {
	db *sql.DB
}

func NewSQLiteTxManager(db *sql.DB) *SQLiteTxManager {
	return &SQLiteTxManager{db: db}
}

func (m *SQLiteTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, func(ctx context.Context) (context.Context, func() error, func(), error) {
		tx, err := m.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("begin tx: %w", err)
		}

		return withTx(ctx, tx), tx.Commit, func() { _ = tx.Rollback() }, nil
	}, fn)
}

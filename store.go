package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

var (
	_ Store     = (*PostgresStore)(nil)
	_ TxManager = (*PostgresTxManager)(nil)
)

// Tx is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db     Tx
	schema string
}

type PostgresStoreOption func(store *PostgresStore)

// WithPostgresSchema places the tables in schema instead of DefaultPostgresSchema.
func WithPostgresSchema(schema string) PostgresStoreOption {
	return func(store *PostgresStore) {
		if schema != "" {
			store.schema = schema
		}
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	store := &PostgresStore{db: pool, schema: DefaultPostgresSchema}
	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (store *PostgresStore) getExecutor(ctx context.Context) Tx {
	if tx, ok := TxFromContext[pgx.Tx](ctx); ok && tx != nil {
		return tx
	}

	return store.db
}

// table returns the schema-qualified, quoted name of a table.
func (store *PostgresStore) table(name string) string {
	return pq.QuoteIdentifier(store.schema) + "." + pq.QuoteIdentifier(name)
}

func (store *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	stampRun(run, nil)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	query := `
INSERT INTO ` + store.table("runs") + ` (id, fn_handle, fn_name, status, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

	_, err = store.getExecutor(ctx).Exec(ctx, query,
		run.ID, run.FnHandle, run.FnName, string(run.Status), doc, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

// GetRun locks the row when called inside a transaction.
func (store *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `SELECT doc FROM ` + store.table("runs") + ` WHERE id = $1`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}

	var doc []byte
	err := store.getExecutor(ctx).QueryRow(ctx, query, runID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}

	return decodeDoc[Run](doc)
}

func (store *PostgresStore) ReplaceRun(ctx context.Context, run *Run) error {
	executor := store.getExecutor(ctx)

	var createdAt time.Time
	err := executor.QueryRow(ctx, `SELECT created_at FROM `+store.table("runs")+` WHERE id = $1`, run.ID).
		Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("select run: %w", err)
	}

	stampRun(run, &createdAt)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	query := `UPDATE ` + store.table("runs") + ` SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`
	if _, err := executor.Exec(ctx, query, string(run.Status), doc, run.UpdatedAt, run.ID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return nil
}

func (store *PostgresStore) ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	limit = pageLimit(limit)

	where := []string{"id > $1"}
	args := []any{cursor}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.FnName != "" {
		args = append(args, filter.FnName)
		where = append(where, fmt.Sprintf("fn_name = $%d", len(args)))
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s ORDER BY id LIMIT $%d`,
		store.table("runs"), strings.Join(where, " AND "), len(args))

	rows, err := store.getExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0, limit)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		run, err := decodeDoc[Run](doc)
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

func (store *PostgresStore) CountRunsByStatus(ctx context.Context) ([]RunStats, error) {
	rows, err := store.getExecutor(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM `+store.table("runs")+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[RunStatus(status)] = int(n)
	}

	return statsFromCounts(counts), rows.Err()
}

func (store *PostgresStore) InsertStepState(ctx context.Context, state *StepState) error {
	state.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(state)
	if err != nil {
		return err
	}

	query := `
INSERT INTO ` + store.table("step_states") + ` (id, run_id, step_id, doc, ord, order_at_start, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = store.getExecutor(ctx).Exec(ctx, query,
		state.ID, state.WorkflowID, state.StepID, doc, state.Order, state.OrderAtStart, state.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step state: %w", err)
	}

	return nil
}

func (store *PostgresStore) GetStepState(ctx context.Context, id string) (*StepState, error) {
	var doc []byte
	err := store.getExecutor(ctx).QueryRow(ctx,
		`SELECT doc FROM `+store.table("step_states")+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select step state: %w", err)
	}

	return decodeDoc[StepState](doc)
}

func (store *PostgresStore) GetStepHistory(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := store.getExecutor(ctx).Query(ctx,
		`SELECT doc FROM `+store.table("step_states")+` WHERE run_id = $1 ORDER BY ord`, runID)
	if err != nil {
		return nil, fmt.Errorf("select step history: %w", err)
	}
	defer rows.Close()

	var history []*StepState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		state, err := decodeDoc[StepState](doc)
		if err != nil {
			return nil, err
		}
		history = append(history, state)
	}

	return history, rows.Err()
}

func (store *PostgresStore) InsertWorkflowConfig(ctx context.Context, cfg *WorkflowConfig) error {
	cfg.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(cfg)
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + store.table("workflow_configs") + ` (id, name, doc, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := store.getExecutor(ctx).Exec(ctx, query, cfg.ID, cfg.Name, doc, cfg.CreatedAt); err != nil {
		return fmt.Errorf("insert workflow config: %w", err)
	}

	return nil
}

func (store *PostgresStore) GetWorkflowConfig(ctx context.Context, id string) (*WorkflowConfig, error) {
	var doc []byte
	err := store.getExecutor(ctx).QueryRow(ctx,
		`SELECT doc FROM `+store.table("workflow_configs")+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow config: %w", err)
	}

	return decodeDoc[WorkflowConfig](doc)
}

func (store *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var doc []byte
	err := store.getExecutor(ctx).QueryRow(ctx, `SELECT data FROM `+store.table("settings")+` WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}

	return decodeDoc[Settings](doc)
}

func (store *PostgresStore) SaveSettings(ctx context.Context, settings *Settings) error {
	doc, err := encodeDoc(settings)
	if err != nil {
		return err
	}

	query := `
INSERT INTO ` + store.table("settings") + ` (id, data) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`
	if _, err := store.getExecutor(ctx).Exec(ctx, query, doc); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	return nil
}

func (store *PostgresStore) LogEvent(ctx context.Context, runID string, eventType string, payload any) error {
	doc, err := encodeDoc(payload)
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + store.table("run_events") + ` (run_id, event_type, payload) VALUES ($1, $2, $3)`
	if _, err := store.getExecutor(ctx).Exec(ctx, query, runID, eventType, doc); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

func (store *PostgresStore) GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := store.getExecutor(ctx).Query(ctx, `
SELECT id, run_id, event_type, payload, created_at
FROM `+store.table("run_events")+`
WHERE run_id = $1
ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var (
			ev      RunEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// PostgresTxManager runs fn in a read committed transaction and exposes it to
// PostgresStore through ctx.
type PostgresTxManager struct {
	pool *pgxpool.Pool
}

func NewPostgresTxManager(pool *pgxpool.Pool) *PostgresTxManager {
	return &PostgresTxManager{pool: pool}
}

func (m *PostgresTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, func(ctx context.Context) (context.Context, func() error, func(), error) {
		tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("begin tx: %w", err)
		}

		commit := func() error { return tx.Commit(ctx) }
		rollback := func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }

		return withTx(ctx, tx), commit, rollback, nil
	}, fn)
}

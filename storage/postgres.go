package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/approval-workflow/types"
)

// sweepLockKey is the advisory lock guarding the expiry/recovery sweeper.
const sweepLockKey int64 = 7_340_021

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         BIGINT PRIMARY KEY,
	definition JSONB  NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id          BIGINT PRIMARY KEY,
	workflow_id BIGINT NOT NULL,
	state       TEXT   NOT NULL,
	version     BIGINT NOT NULL,
	snapshot    JSONB  NOT NULL,
	updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_state_idx ON workflow_instances (state);

CREATE TABLE IF NOT EXISTS step_history (
	instance_id BIGINT  NOT NULL REFERENCES workflow_instances (id),
	seq         INTEGER NOT NULL,
	record      JSONB   NOT NULL,
	PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS approval_checkpoints (
	id           TEXT   PRIMARY KEY,
	instance_id  BIGINT NOT NULL REFERENCES workflow_instances (id),
	status       TEXT   NOT NULL,
	requested_at BIGINT NOT NULL,
	deadline     BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS approval_checkpoints_one_pending
	ON approval_checkpoints (instance_id) WHERE status = 'PENDING';
`

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
}

// PostgresStorage keeps the instance row as JSONB guarded by a version
// column. History rows and checkpoint rows are written in the same
// transaction as the row update.
type PostgresStorage struct {
	pool *pgxpool.Pool

	leadMu   sync.Mutex
	leadConn *pgxpool.Conn
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPostgresStorage opens a pool, pings it and applies the schema.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// SaveWorkflow upserts a workflow definition.
func (s *PostgresStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, definition) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition
	`, int64(wf.ID), data)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// GetWorkflow reads a workflow definition.
func (s *PostgresStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Workflow{}, fmt.Errorf("%w: id=%d", types.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return types.Workflow{}, fmt.Errorf("select workflow: %w", err)
	}
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return types.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

// Create inserts a new instance with its initial history and checkpoints.
func (s *PostgresStorage) Create(ctx context.Context, snap types.Snapshot) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		head, err := encodeHead(snap)
		if err != nil {
			return err
		}
		inst := snap.Instance
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_instances (id, workflow_id, state, version, snapshot, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, int64(inst.ID), int64(inst.WorkflowID), string(inst.State), int64(inst.Version), head, inst.UpdatedAt)
		if err != nil {
			return err
		}
		return writeRows(ctx, tx, snap, 0)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: instance %d already exists", types.ErrInvalidState, snap.Instance.ID)
	}
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// Load reads the instance row and its ordered history.
func (s *PostgresStorage) Load(ctx context.Context, instanceID uint64) (types.Snapshot, error) {
	return loadSnapshot(ctx, s.pool, instanceID, false)
}

// Commit applies next when the stored version still equals expectedVersion.
func (s *PostgresStorage) Commit(ctx context.Context, instanceID, expectedVersion uint64, next types.Snapshot) error {
	return s.commit(ctx, instanceID, expectedVersion, func(types.Snapshot) types.Snapshot { return next })
}

// AppendHistory appends rec as the next history row and bumps the version.
func (s *PostgresStorage) AppendHistory(ctx context.Context, instanceID, expectedVersion uint64, rec types.StepRecord) (types.Snapshot, error) {
	var out types.Snapshot
	err := s.commit(ctx, instanceID, expectedVersion, func(cur types.Snapshot) types.Snapshot {
		out = appendRecord(cur, rec, time.Now().UnixMilli())
		return out
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return out, nil
}

func (s *PostgresStorage) commit(ctx context.Context, instanceID, expectedVersion uint64, build func(types.Snapshot) types.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := loadSnapshot(ctx, tx, instanceID, true)
		if err != nil {
			return err
		}
		next := build(cur)
		appended, err := checkCommit(cur, expectedVersion, next)
		if err != nil {
			return err
		}
		head, err := encodeHead(next)
		if err != nil {
			return err
		}
		inst := next.Instance
		result, err := tx.Exec(ctx, `
			UPDATE workflow_instances
			SET state = $3, version = $4, snapshot = $5, updated_at = $6
			WHERE id = $1 AND version = $2
		`, int64(instanceID), int64(expectedVersion), string(inst.State), int64(inst.Version), head, inst.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("%w: instance %d", types.ErrVersionConflict, instanceID)
		}
		return writeRows(ctx, tx, next, len(next.Instance.Steps)-appended)
	})
}

// GetCheckpoint resolves a checkpoint through its owning instance.
func (s *PostgresStorage) GetCheckpoint(ctx context.Context, checkpointID string) (types.ApprovalCheckpoint, error) {
	var instanceID int64
	err := s.pool.QueryRow(ctx, `SELECT instance_id FROM approval_checkpoints WHERE id = $1`, checkpointID).Scan(&instanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
	}
	if err != nil {
		return types.ApprovalCheckpoint{}, fmt.Errorf("select checkpoint: %w", err)
	}
	snap, err := s.Load(ctx, uint64(instanceID))
	if err != nil {
		return types.ApprovalCheckpoint{}, err
	}
	cp, ok := snap.Checkpoint(checkpointID)
	if !ok {
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
	}
	return cp, nil
}

// ListPendingCheckpoints lists open checkpoints, optionally only overdue ones.
func (s *PostgresStorage) ListPendingCheckpoints(ctx context.Context, olderThan int64) ([]types.ApprovalCheckpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM approval_checkpoints
		WHERE status = 'PENDING'
		  AND ($1::bigint <= 0 OR (deadline > 0 AND deadline <= $1))
		ORDER BY requested_at ASC
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}

	out := make([]types.ApprovalCheckpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.GetCheckpoint(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if cp.IsPending() {
			out = append(out, cp)
		}
	}
	return out, nil
}

// ListInstances lists instances in the given states ordered by ID.
func (s *PostgresStorage) ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM workflow_instances
		WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		ORDER BY id ASC
	`, names)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}

	out := make([]types.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Load(ctx, uint64(id))
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Instance)
	}
	return out, nil
}

// TryLead holds a session advisory lock on a dedicated connection. The lock
// is kept until Close or until the connection drops.
func (s *PostgresStorage) TryLead(ctx context.Context) (bool, error) {
	s.leadMu.Lock()
	defer s.leadMu.Unlock()

	if s.leadConn != nil {
		if err := s.leadConn.Ping(ctx); err == nil {
			return true, nil
		}
		s.leadConn.Release()
		s.leadConn = nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", sweepLockKey).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	s.leadConn = conn
	return true, nil
}

// Close releases the leader lock and closes the pool.
func (s *PostgresStorage) Close() {
	s.leadMu.Lock()
	if s.leadConn != nil {
		_, _ = s.leadConn.Exec(context.Background(), "select pg_advisory_unlock($1)", sweepLockKey)
		s.leadConn.Release()
		s.leadConn = nil
	}
	s.leadMu.Unlock()
	s.pool.Close()
}

// loadSnapshot reads one instance. forUpdate locks the row for the
// surrounding transaction.
func loadSnapshot(ctx context.Context, q querier, instanceID uint64, forUpdate bool) (types.Snapshot, error) {
	query := `SELECT snapshot FROM workflow_instances WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var data []byte
	err := q.QueryRow(ctx, query, int64(instanceID)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Snapshot{}, fmt.Errorf("%w: instance %d", types.ErrNotFound, instanceID)
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("select instance: %w", err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("unmarshal instance: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT record FROM step_history WHERE instance_id = $1 ORDER BY seq ASC`, int64(instanceID))
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("select history: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("scan history: %w", err)
	}
	for _, raw := range records {
		var rec types.StepRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return types.Snapshot{}, fmt.Errorf("unmarshal history: %w", err)
		}
		snap.Instance.Steps = append(snap.Instance.Steps, rec)
	}
	return snap, nil
}

// encodeHead marshals the snapshot without its history, which lives in
// step_history.
func encodeHead(snap types.Snapshot) ([]byte, error) {
	head := snap.Clone()
	head.Instance.Steps = nil
	data, err := json.Marshal(head)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	return data, nil
}

// writeRows inserts history rows from index from onward and upserts every
// checkpoint row.
func writeRows(ctx context.Context, tx pgx.Tx, snap types.Snapshot, from int) error {
	batch := &pgx.Batch{}
	id := int64(snap.Instance.ID)
	for i := from; i < len(snap.Instance.Steps); i++ {
		data, err := json.Marshal(snap.Instance.Steps[i])
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		batch.Queue(`INSERT INTO step_history (instance_id, seq, record) VALUES ($1, $2, $3)`, id, i, data)
	}
	for _, cp := range snap.Checkpoints {
		batch.Queue(`
			INSERT INTO approval_checkpoints (id, instance_id, status, requested_at, deadline)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, deadline = EXCLUDED.deadline
		`, cp.ID, id, string(cp.Status), cp.RequestedAt, cp.Deadline)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "approval_checkpoints_one_pending" {
			return fmt.Errorf("%w: instance %d", types.ErrDuplicatePending, snap.Instance.ID)
		}
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

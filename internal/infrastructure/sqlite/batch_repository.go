package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zjrosen/batchflow/internal/batch"
)

// ErrBatchRecordNotFound is returned for batch ids with no stored record.
var ErrBatchRecordNotFound = fmt.Errorf("batch record %w", batch.ErrBatchNotFound)

const batchColumns = `id, template_id, owner, status, total, completed, failed, cancelled, running,
	inputs, error, settled, created_at, started_at, finished_at, updated_at`

// BatchRepository stores batch records and their per-input results.
type BatchRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ batch.BatchStore = (*BatchRepository)(nil)

func newBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db, now: time.Now}
}

func scanBatch(scanner interface{ Scan(...any) error }) (*BatchModel, error) {
	var m BatchModel
	err := scanner.Scan(
		&m.ID, &m.TemplateID, &m.Owner, &m.Status,
		&m.Total, &m.Completed, &m.Failed, &m.Cancelled, &m.Running,
		&m.Inputs, &m.Error, &m.Settled,
		&m.CreatedAt, &m.StartedAt, &m.FinishedAt, &m.UpdatedAt,
	)
	return &m, err
}

// SaveOperation upserts the batch header. Results are written by
// AppendResult and left untouched.
func (r *BatchRepository) SaveOperation(ctx context.Context, op *batch.Operation) error {
	m, err := toBatchModel(op, r.now())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, completed = excluded.completed, failed = excluded.failed,
			cancelled = excluded.cancelled, running = excluded.running, error = excluded.error,
			settled = excluded.settled, started_at = excluded.started_at,
			finished_at = excluded.finished_at, updated_at = excluded.updated_at`,
		m.ID, m.TemplateID, m.Owner, m.Status,
		m.Total, m.Completed, m.Failed, m.Cancelled, m.Running,
		m.Inputs, m.Error, m.Settled,
		m.CreatedAt, m.StartedAt, m.FinishedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", m.ID, err)
	}
	return nil
}

// AppendResult stores the seq-th finished result of batch id. The batch
// must have been saved first.
func (r *BatchRepository) AppendResult(ctx context.Context, id batch.BatchID, seq int, res batch.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", res.InputID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO batch_results (batch_id, seq, input_id, status, result) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id, seq) DO UPDATE SET input_id = excluded.input_id,
			status = excluded.status, result = excluded.result`,
		id.String(), seq, res.InputID, string(res.Status), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to append result to batch %s: %w", id, err)
	}
	return nil
}

// LoadOperation returns the batch with its results in completion order.
func (r *BatchRepository) LoadOperation(ctx context.Context, id batch.BatchID) (*batch.Operation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id.String())
	m, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	op, err := m.toDomain()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT result FROM batch_results WHERE batch_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load results of batch %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		var res batch.Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("failed to decode result of batch %s: %w", id, err)
		}
		op.Results = append(op.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load results of batch %s: %w", id, err)
	}
	return op, nil
}

// ListOperations returns up to limit batch headers, newest first, without
// results. A limit of 0 returns all.
func (r *BatchRepository) ListOperations(ctx context.Context, limit int) ([]*batch.Operation, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ops := []*batch.Operation{}
	for rows.Next() {
		m, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		op, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return ops, nil
}

// DeleteSettledBefore removes settled batches that finished before cutoff
// together with their results.
func (r *BatchRepository) DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM batches WHERE settled = 1 AND finished_at IS NOT NULL AND finished_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

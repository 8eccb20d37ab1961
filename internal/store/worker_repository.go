package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// WorkerRepository persists SyncWorker and ProcessWorker progress rows.
type WorkerRepository struct {
	pool   *pgxpool.Pool
	read   *sqlx.DB
	schema SchemaNames
}

// NewWorkerRepository creates a WorkerRepository.
func NewWorkerRepository(pool *pgxpool.Pool, read *sqlx.DB, schema SchemaNames) *WorkerRepository {
	return &WorkerRepository{pool: pool, read: read, schema: schema}
}

// UpsertSyncWorker inserts or advances a SyncWorker row, conflict-update
// on (chain_id, worker_id).
func (r *WorkerRepository) UpsertSyncWorker(ctx context.Context, w models.SyncWorker) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.sync_workers (chain_id, worker_id, range_start, range_end, current_block, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (chain_id, worker_id) DO UPDATE SET
			range_end = EXCLUDED.range_end,
			current_block = EXCLUDED.current_block,
			status = EXCLUDED.status,
			updated_at = now()
	`, r.schema.Sync)
	_, err := r.pool.Exec(ctx, sql, w.ChainID, w.WorkerID, w.RangeStart, w.RangeEnd, w.CurrentBlock, string(w.Status))
	if err != nil {
		return fmt.Errorf("store: upsert sync_worker: %w", err)
	}
	return nil
}

// DeleteSyncWorker removes a completed historical worker's row.
func (r *WorkerRepository) DeleteSyncWorker(ctx context.Context, chainID int64, workerID int) error {
	sql := fmt.Sprintf(`DELETE FROM %s.sync_workers WHERE chain_id=$1 AND worker_id=$2`, r.schema.Sync)
	_, err := r.pool.Exec(ctx, sql, chainID, workerID)
	if err != nil {
		return fmt.Errorf("store: delete sync_worker: %w", err)
	}
	return nil
}

// syncWorkerRow is the sqlx scan target for ListSyncWorkers.
type syncWorkerRow struct {
	ChainID      int64  `db:"chain_id"`
	WorkerID     int    `db:"worker_id"`
	RangeStart   uint64 `db:"range_start"`
	RangeEnd     *uint64 `db:"range_end"`
	CurrentBlock uint64 `db:"current_block"`
	Status       string `db:"status"`
}

// ListSyncWorkers returns every SyncWorker row for chainID.
func (r *WorkerRepository) ListSyncWorkers(ctx context.Context, chainID int64) ([]models.SyncWorker, error) {
	sql := fmt.Sprintf(`SELECT chain_id, worker_id, range_start, range_end, current_block, status FROM %s.sync_workers WHERE chain_id=$1 ORDER BY worker_id`, r.schema.Sync)

	var rows []syncWorkerRow
	if err := r.read.SelectContext(ctx, &rows, sql, chainID); err != nil {
		return nil, fmt.Errorf("store: list sync_workers: %w", err)
	}

	out := make([]models.SyncWorker, len(rows))
	for i, row := range rows {
		out[i] = models.SyncWorker{
			ChainID:      row.ChainID,
			WorkerID:     row.WorkerID,
			RangeStart:   row.RangeStart,
			RangeEnd:     row.RangeEnd,
			CurrentBlock: row.CurrentBlock,
			Status:       models.SyncWorkerStatus(row.Status),
		}
	}
	return out, nil
}

// GetProcessWorker returns chainID's ProcessWorker row, if one exists.
func (r *WorkerRepository) GetProcessWorker(ctx context.Context, chainID int64) (models.ProcessWorker, bool, error) {
	sql := fmt.Sprintf(`SELECT chain_id, range_start, range_end, current_block, events_processed, status FROM %s.process_workers WHERE chain_id=$1`, r.schema.App)

	var w models.ProcessWorker
	var status string
	err := r.pool.QueryRow(ctx, sql, chainID).Scan(&w.ChainID, &w.RangeStart, &w.RangeEnd, &w.CurrentBlock, &w.EventsProcessed, &status)
	if err != nil {
		if isNoRows(err) {
			return models.ProcessWorker{}, false, nil
		}
		return models.ProcessWorker{}, false, fmt.Errorf("store: get process_worker: %w", err)
	}
	w.Status = models.ProcessWorkerStatus(status)
	return w, true, nil
}

// UpsertProcessWorker inserts or advances chainID's single ProcessWorker row.
func (r *WorkerRepository) UpsertProcessWorker(ctx context.Context, w models.ProcessWorker) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.process_workers (chain_id, range_start, range_end, current_block, events_processed, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (chain_id) DO UPDATE SET
			range_end = EXCLUDED.range_end,
			current_block = EXCLUDED.current_block,
			events_processed = EXCLUDED.events_processed,
			status = EXCLUDED.status,
			updated_at = now()
	`, r.schema.App)
	_, err := r.pool.Exec(ctx, sql, w.ChainID, w.RangeStart, w.RangeEnd, w.CurrentBlock, w.EventsProcessed, string(w.Status))
	if err != nil {
		return fmt.Errorf("store: upsert process_worker: %w", err)
	}
	return nil
}

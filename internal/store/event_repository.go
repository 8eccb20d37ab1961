package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// subBatchSize bounds how many rows one pgx.Batch round-trip inserts,
// trading round-trip count for bounded per-batch memory during
// historical backfill.
const subBatchSize = 10_000

// EventOrder is the sort direction for EventRepository.Query.
type EventOrder string

const (
	OrderAsc  EventOrder = "asc"
	OrderDesc EventOrder = "desc"
)

// EventQuery narrows an EventRepository.Query call.
type EventQuery struct {
	ChainID   int64
	Addresses []common.Address
	Selectors []common.Hash
	Range     models.BlockRange
	Order     EventOrder
	Limit     int
	Offset    int
}

// EventRepository persists and queries RawEvents in one Postgres schema.
type EventRepository struct {
	pool   *pgxpool.Pool
	schema string
}

// NewEventRepository creates an EventRepository against schema (e.g.
// "sync_v1").
func NewEventRepository(pool *pgxpool.Pool, schema string) *EventRepository {
	return &EventRepository{pool: pool, schema: schema}
}

// InsertBatch inserts events in sub-batches of subBatchSize, each as one
// pgx.Batch round-trip, conflict-ignoring on the identity key. Repeating
// InsertBatch with the same events is a no-op on rows already present.
func (r *EventRepository) InsertBatch(ctx context.Context, events []models.RawEvent) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.raw_events (
			chain_id, block_number, block_hash, block_time, tx_hash, tx_index,
			log_index, address, topic0, topic1, topic2, topic3, data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (chain_id, block_number, tx_index, log_index) DO NOTHING
	`, r.schema)

	for start := 0; start < len(events); start += subBatchSize {
		end := min(start+subBatchSize, len(events))
		batch := &pgx.Batch{}
		for _, e := range events[start:end] {
			batch.Queue(query,
				e.ChainID, e.BlockNumber, e.BlockHash.Bytes(), e.BlockTime, e.TxHash.Bytes(), e.TxIndex,
				e.LogIndex, e.Address.Bytes(), topicBytes(e.Topics[0]), topicBytes(e.Topics[1]),
				topicBytes(e.Topics[2]), topicBytes(e.Topics[3]), e.Data,
			)
		}

		results := r.pool.SendBatch(ctx, batch)
		for range events[start:end] {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("store: insert raw_events batch: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("store: close raw_events batch: %w", err)
		}
	}
	return nil
}

func topicBytes(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

// Query returns events matching q, ordered by (block_number, tx_index,
// log_index).
func (r *EventRepository) Query(ctx context.Context, q EventQuery) ([]models.RawEvent, error) {
	order := "ASC"
	if q.Order == OrderDesc {
		order = "DESC"
	}

	sql := fmt.Sprintf(`
		SELECT chain_id, block_number, block_hash, block_time, tx_hash, tx_index,
		       log_index, address, topic0, topic1, topic2, topic3, data
		FROM %s.raw_events
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		  AND ($4::bytea[] IS NULL OR address = ANY($4))
		  AND ($5::bytea[] IS NULL OR topic0 = ANY($5))
		ORDER BY block_number %s, tx_index %s, log_index %s
		LIMIT $6 OFFSET $7
	`, r.schema, order, order, order)

	limit := q.Limit
	if limit <= 0 {
		limit = 10_000
	}

	rows, err := r.pool.Query(ctx, sql, q.ChainID, q.Range.From, q.Range.To,
		addressesToBytea(q.Addresses), selectorsToBytea(q.Selectors), limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("store: query raw_events: %w", err)
	}
	defer rows.Close()

	return scanRawEvents(rows)
}

func addressesToBytea(addrs []common.Address) [][]byte {
	if len(addrs) == 0 {
		return nil
	}
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a.Bytes()
	}
	return out
}

func selectorsToBytea(sels []common.Hash) [][]byte {
	if len(sels) == 0 {
		return nil
	}
	out := make([][]byte, len(sels))
	for i, s := range sels {
		out[i] = s.Bytes()
	}
	return out
}

func scanRawEvents(rows pgx.Rows) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for rows.Next() {
		var (
			e                              models.RawEvent
			blockHash, txHash, address     []byte
			t0, t1, t2, t3                 []byte
		)
		if err := rows.Scan(&e.ChainID, &e.BlockNumber, &blockHash, &e.BlockTime, &txHash, &e.TxIndex,
			&e.LogIndex, &address, &t0, &t1, &t2, &t3, &e.Data); err != nil {
			return nil, fmt.Errorf("store: scan raw_event: %w", err)
		}
		e.BlockHash = common.BytesToHash(blockHash)
		e.TxHash = common.BytesToHash(txHash)
		e.Address = common.BytesToAddress(address)
		e.Topics = [4]*common.Hash{bytesToTopic(t0), bytesToTopic(t1), bytesToTopic(t2), bytesToTopic(t3)}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate raw_events: %w", err)
	}
	return out, nil
}

func bytesToTopic(b []byte) *common.Hash {
	if b == nil {
		return nil
	}
	h := common.BytesToHash(b)
	return &h
}

// GetByBlock returns every event recorded at blockNumber.
func (r *EventRepository) GetByBlock(ctx context.Context, chainID int64, blockNumber uint64) ([]models.RawEvent, error) {
	return r.Query(ctx, EventQuery{ChainID: chainID, Range: models.BlockRange{From: blockNumber, To: blockNumber}, Limit: 1_000_000})
}

// BlockHashAt returns the block hash recorded against blockNumber, if
// any event has been stored there. Every event at a given block shares
// the same block hash, so the first row answers the question.
func (r *EventRepository) BlockHashAt(ctx context.Context, chainID int64, blockNumber uint64) (common.Hash, bool, error) {
	sql := fmt.Sprintf(`SELECT block_hash FROM %s.raw_events WHERE chain_id=$1 AND block_number=$2 LIMIT 1`, r.schema)
	var hash []byte
	err := r.pool.QueryRow(ctx, sql, chainID, blockNumber).Scan(&hash)
	if err != nil {
		if isNoRows(err) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, fmt.Errorf("store: block_hash_at: %w", err)
	}
	return common.BytesToHash(hash), true, nil
}

// HasBlock reports whether any event is recorded at blockNumber.
func (r *EventRepository) HasBlock(ctx context.Context, chainID int64, blockNumber uint64) (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s.raw_events WHERE chain_id=$1 AND block_number=$2)`, r.schema)
	var exists bool
	if err := r.pool.QueryRow(ctx, sql, chainID, blockNumber).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has_block: %w", err)
	}
	return exists, nil
}

// LatestBlock returns the highest recorded block number for chainID.
func (r *EventRepository) LatestBlock(ctx context.Context, chainID int64) (uint64, error) {
	sql := fmt.Sprintf(`SELECT COALESCE(MAX(block_number), 0) FROM %s.raw_events WHERE chain_id=$1`, r.schema)
	var n uint64
	if err := r.pool.QueryRow(ctx, sql, chainID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: latest_block: %w", err)
	}
	return n, nil
}

// EarliestBlock returns the lowest recorded block number for chainID.
func (r *EventRepository) EarliestBlock(ctx context.Context, chainID int64) (uint64, error) {
	sql := fmt.Sprintf(`SELECT COALESCE(MIN(block_number), 0) FROM %s.raw_events WHERE chain_id=$1`, r.schema)
	var n uint64
	if err := r.pool.QueryRow(ctx, sql, chainID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: earliest_block: %w", err)
	}
	return n, nil
}

// Count returns the number of events recorded for chainID.
func (r *EventRepository) Count(ctx context.Context, chainID int64) (uint64, error) {
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s.raw_events WHERE chain_id=$1`, r.schema)
	var n uint64
	if err := r.pool.QueryRow(ctx, sql, chainID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// GetGaps returns block ranges in [from, to] with no recorded event,
// via a generate_series anti-join against raw_events.
func (r *EventRepository) GetGaps(ctx context.Context, chainID int64, from, to uint64) ([]models.BlockRange, error) {
	sql := fmt.Sprintf(`
		WITH expected AS (
			SELECT generate_series($2::bigint, $3::bigint) AS block_number
		), present AS (
			SELECT DISTINCT block_number FROM %s.raw_events WHERE chain_id = $1
		), missing AS (
			SELECT e.block_number FROM expected e
			LEFT JOIN present p ON p.block_number = e.block_number
			WHERE p.block_number IS NULL
		), grouped AS (
			SELECT block_number,
			       block_number - ROW_NUMBER() OVER (ORDER BY block_number) AS grp
			FROM missing
		)
		SELECT MIN(block_number), MAX(block_number) FROM grouped GROUP BY grp ORDER BY 1
	`, r.schema)

	rows, err := r.pool.Query(ctx, sql, chainID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: get_gaps: %w", err)
	}
	defer rows.Close()

	var out []models.BlockRange
	for rows.Next() {
		var rng models.BlockRange
		if err := rows.Scan(&rng.From, &rng.To); err != nil {
			return nil, fmt.Errorf("store: scan gap: %w", err)
		}
		out = append(out, rng)
	}
	return out, rows.Err()
}

// DeleteRange deletes every event at or after from, up to and including
// to when non-nil (an open-ended delete otherwise) — the reorg
// truncation primitive.
func (r *EventRepository) DeleteRange(ctx context.Context, chainID int64, from uint64, to *uint64) error {
	if to == nil {
		sql := fmt.Sprintf(`DELETE FROM %s.raw_events WHERE chain_id=$1 AND block_number >= $2`, r.schema)
		_, err := r.pool.Exec(ctx, sql, chainID, from)
		if err != nil {
			return fmt.Errorf("store: delete_range: %w", err)
		}
		return nil
	}
	sql := fmt.Sprintf(`DELETE FROM %s.raw_events WHERE chain_id=$1 AND block_number BETWEEN $2 AND $3`, r.schema)
	_, err := r.pool.Exec(ctx, sql, chainID, from, *to)
	if err != nil {
		return fmt.Errorf("store: delete_range: %w", err)
	}
	return nil
}

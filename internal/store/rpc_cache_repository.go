package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// RPCCacheRepository is the durable tier of internal/rpccache's cache,
// keyed on (chain_id, block_number, request_hash).
type RPCCacheRepository struct {
	pool   *pgxpool.Pool
	schema string
}

// NewRPCCacheRepository creates an RPCCacheRepository against schema.
func NewRPCCacheRepository(pool *pgxpool.Pool, schema string) *RPCCacheRepository {
	return &RPCCacheRepository{pool: pool, schema: schema}
}

// Get returns a cached response, if present.
func (r *RPCCacheRepository) Get(ctx context.Context, entry models.RPCCacheEntry) (json.RawMessage, bool, error) {
	sql := fmt.Sprintf(`SELECT response FROM %s.rpc_cache WHERE chain_id=$1 AND block_number=$2 AND request_hash=$3`, r.schema)

	var response json.RawMessage
	err := r.pool.QueryRow(ctx, sql, entry.ChainID, entry.BlockContext, entry.RequestHash[:]).Scan(&response)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get rpc_cache: %w", err)
	}
	return response, true, nil
}

// Put stores a response, conflict-ignoring on the identity key (a
// concurrent writer's response for the same deterministic call is
// equivalent, so either copy winning is acceptable).
func (r *RPCCacheRepository) Put(ctx context.Context, entry models.RPCCacheEntry) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.rpc_cache (chain_id, block_number, method, request_hash, params, response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (chain_id, block_number, request_hash) DO NOTHING
	`, r.schema)
	_, err := r.pool.Exec(ctx, sql, entry.ChainID, entry.BlockContext, entry.Method, entry.RequestHash[:], entry.Params, entry.Response)
	if err != nil {
		return fmt.Errorf("store: put rpc_cache: %w", err)
	}
	return nil
}

// Clear deletes every cache row for chainID, the explicit reset lifecycle
// operation.
func (r *RPCCacheRepository) Clear(ctx context.Context, chainID int64) error {
	sql := fmt.Sprintf(`DELETE FROM %s.rpc_cache WHERE chain_id=$1`, r.schema)
	_, err := r.pool.Exec(ctx, sql, chainID)
	if err != nil {
		return fmt.Errorf("store: clear rpc_cache: %w", err)
	}
	return nil
}

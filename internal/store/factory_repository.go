package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// FactoryRepository persists discovered child contracts.
type FactoryRepository struct {
	pool   *pgxpool.Pool
	read   *sqlx.DB
	schema string
}

// NewFactoryRepository creates a FactoryRepository against schema.
func NewFactoryRepository(pool *pgxpool.Pool, read *sqlx.DB, schema string) *FactoryRepository {
	return &FactoryRepository{pool: pool, read: read, schema: schema}
}

// InsertChildren inserts children, conflict-ignoring on (chain_id, child_address).
func (r *FactoryRepository) InsertChildren(ctx context.Context, children []models.FactoryChild) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.factory_children (
			chain_id, child_address, factory_address, contract_name,
			creation_block, creation_tx, creation_log_index, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chain_id, child_address) DO NOTHING
	`, r.schema)

	batch := &pgx.Batch{}
	for _, c := range children {
		meta := c.Metadata
		if meta == nil {
			meta = []byte(`{}`)
		}
		batch.Queue(query, c.ChainID, c.Child.Bytes(), c.Factory.Bytes(), c.ContractName,
			c.CreationBlock, c.CreationTx.Bytes(), c.CreationLogIndex, meta)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range children {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: insert factory_children: %w", err)
		}
	}
	return nil
}

// factoryChildRow is the sqlx scan target for ListChildren.
type factoryChildRow struct {
	ChainID          int64  `db:"chain_id"`
	ChildAddress     []byte `db:"child_address"`
	FactoryAddress   []byte `db:"factory_address"`
	ContractName     string `db:"contract_name"`
	CreationBlock    uint64 `db:"creation_block"`
	CreationTx       []byte `db:"creation_tx"`
	CreationLogIndex uint   `db:"creation_log_index"`
	Metadata         []byte `db:"metadata"`
}

// ListChildren returns every discovered child for chainID.
func (r *FactoryRepository) ListChildren(ctx context.Context, chainID int64) ([]models.FactoryChild, error) {
	sql := fmt.Sprintf(`
		SELECT chain_id, child_address, factory_address, contract_name,
		       creation_block, creation_tx, creation_log_index, metadata
		FROM %s.factory_children WHERE chain_id=$1
	`, r.schema)

	var rows []factoryChildRow
	if err := r.read.SelectContext(ctx, &rows, sql, chainID); err != nil {
		return nil, fmt.Errorf("store: list factory_children: %w", err)
	}

	out := make([]models.FactoryChild, len(rows))
	for i, row := range rows {
		out[i] = models.FactoryChild{
			ChainID:          row.ChainID,
			Factory:          common.BytesToAddress(row.FactoryAddress),
			Child:            common.BytesToAddress(row.ChildAddress),
			ContractName:     row.ContractName,
			CreationBlock:    row.CreationBlock,
			CreationTx:       common.BytesToHash(row.CreationTx),
			CreationLogIndex: row.CreationLogIndex,
			Metadata:         row.Metadata,
		}
	}
	return out, nil
}

// DeleteChildrenFrom deletes every child discovered at or after
// fromBlock — the reorg truncation primitive for factory state.
func (r *FactoryRepository) DeleteChildrenFrom(ctx context.Context, chainID int64, fromBlock uint64) error {
	sql := fmt.Sprintf(`DELETE FROM %s.factory_children WHERE chain_id=$1 AND creation_block >= $2`, r.schema)
	_, err := r.pool.Exec(ctx, sql, chainID, fromBlock)
	if err != nil {
		return fmt.Errorf("store: delete factory_children: %w", err)
	}
	return nil
}

//go:build integration

package store_test

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/internal/store/schema"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

var testDSN string

// TestMain boots a throwaway Postgres container once for the whole
// package, the same shape the web3-indexer reference repo uses for its
// own engine integration tests, and applies the reference DDL the
// schema package ships for operators to hand to their migration tool.
func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kyomei_test"),
		postgres.WithUsername("kyomei"),
		postgres.WithPassword("kyomei"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		log.Fatalf("store: start postgres container: %s", err)
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("store: container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("store: container port: %s", err)
	}
	testDSN = fmt.Sprintf("postgres://kyomei:kyomei@%s:%s/kyomei_test?sslmode=disable", host, port.Port())

	if err := applySchema(ctx, testDSN); err != nil {
		log.Fatalf("store: apply schema: %s", err)
	}

	os.Exit(m.Run())
}

func applySchema(ctx context.Context, dsn string) error {
	pool, err := store.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	ddls := []struct {
		name       string
		ddl        string
		schemaName string
	}{
		{"sync", schema.SyncDDL, store.DefaultSchemaNames.Sync},
		{"app", schema.AppDDL, store.DefaultSchemaNames.App},
	}
	for _, d := range ddls {
		args := make([]any, strings.Count(d.ddl, "%s"))
		for i := range args {
			args[i] = d.schemaName
		}
		stmt := fmt.Sprintf(d.ddl, args...)
		if _, err := pool.Write.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %s schema: %w", d.name, err)
		}
	}
	return nil
}

func TestEventRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool, err := store.Connect(ctx, testDSN)
	require.NoError(t, err)
	defer pool.Close()

	repo := store.NewEventRepository(pool.Write, store.DefaultSchemaNames.Sync)
	const chainID = int64(99901)

	topic0 := common.HexToHash("0xaa")
	events := make([]models.RawEvent, 0, 5)
	for i := uint64(1); i <= 5; i++ {
		if i == 3 {
			continue // leave block 3 as a gap
		}
		events = append(events, models.RawEvent{
			ChainID:     chainID,
			BlockNumber: i,
			BlockHash:   common.BigToHash(new(big.Int).SetUint64(i)),
			BlockTime:   1700000000 + i,
			TxHash:      common.BigToHash(new(big.Int).SetUint64(i * 1000)),
			TxIndex:     0,
			LogIndex:    0,
			Address:     common.HexToAddress("0x000000000000000000000000000000000000aa"),
			Topics:      [4]*common.Hash{&topic0, nil, nil, nil},
			Data:        []byte{0x01},
		})
	}

	require.NoError(t, repo.InsertBatch(ctx, events))
	// Repeating the insert must stay a no-op on the identity key.
	require.NoError(t, repo.InsertBatch(ctx, events))

	count, err := repo.Count(ctx, chainID)
	require.NoError(t, err)
	require.Equal(t, uint64(4), count)

	latest, err := repo.LatestBlock(ctx, chainID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), latest)

	earliest, err := repo.EarliestBlock(ctx, chainID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), earliest)

	gaps, err := repo.GetGaps(ctx, chainID, 1, 5)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(3), gaps[0].From)
	require.Equal(t, uint64(3), gaps[0].To)

	hasBlock, err := repo.HasBlock(ctx, chainID, 3)
	require.NoError(t, err)
	require.False(t, hasBlock)

	hash, ok, err := repo.BlockHashAt(ctx, chainID, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.BigToHash(new(big.Int).SetUint64(4)), hash)

	require.NoError(t, repo.DeleteRange(ctx, chainID, 4, nil))
	count, err = repo.Count(ctx, chainID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

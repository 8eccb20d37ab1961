package store_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// ListSyncWorkers is the one WorkerRepository read that goes through the
// sqlx handle rather than pgxpool, so it's the one method this package
// can unit test without a live Postgres instance.
func TestListSyncWorkersScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	repo := store.NewWorkerRepository(nil, sqlxDB, store.DefaultSchemaNames)

	rows := sqlmock.NewRows([]string{"chain_id", "worker_id", "range_start", "range_end", "current_block", "status"}).
		AddRow(int64(1), 0, uint64(0), nil, uint64(120), "live").
		AddRow(int64(1), 1, uint64(120), uint64(200), uint64(180), "historical")
	mock.ExpectQuery(`SELECT chain_id, worker_id, range_start, range_end, current_block, status FROM sync_v1\.sync_workers WHERE chain_id=\$1 ORDER BY worker_id`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	workers, err := repo.ListSyncWorkers(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, workers, 2)

	require.Equal(t, 0, workers[0].WorkerID)
	require.Equal(t, models.SyncWorkerLive, workers[0].Status)
	require.Nil(t, workers[0].RangeEnd)

	require.Equal(t, 1, workers[1].WorkerID)
	require.Equal(t, models.SyncWorkerHistorical, workers[1].Status)
	require.NotNil(t, workers[1].RangeEnd)
	require.Equal(t, uint64(200), *workers[1].RangeEnd)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSyncWorkersPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	repo := store.NewWorkerRepository(nil, sqlxDB, store.DefaultSchemaNames)

	mock.ExpectQuery(`SELECT chain_id, worker_id, range_start, range_end, current_block, status FROM sync_v1\.sync_workers WHERE chain_id=\$1 ORDER BY worker_id`).
		WithArgs(int64(7)).
		WillReturnError(sqlmock.ErrCancelled)

	_, err = repo.ListSyncWorkers(context.Background(), 7)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

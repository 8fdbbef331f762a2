package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
	"github.com/tachyon-beep/elspeth-sub005/internal/retention"
)

func newMockManager(t *testing.T) (*retention.Manager, sqlmock.Sqlmock, payload.Store) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	store, err := payload.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return retention.New(rec, store), mock, store
}

func TestManager_FindExpiredPayloadRefsBindsStatusAndCutoff(t *testing.T) {
	mgr, mock, _ := newMockManager(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"ref"}).AddRow("ref-1").AddRow("ref-2")
	mock.ExpectQuery("SELECT DISTINCT ref FROM").
		WithArgs(model.RunRunning, sqlmock.AnyArg()).
		WillReturnRows(rows)

	refs, err := mgr.FindExpiredPayloadRefs(ctx, 30, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"ref-1", "ref-2"}, refs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_PurgePayloadsReturnsZeroResultForEmptyRefs(t *testing.T) {
	mgr, _, _ := newMockManager(t)
	ctx := context.Background()

	result, err := mgr.PurgePayloads(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.DeletedCount)
	assert.Equal(t, int64(0), result.BytesFreed)
	assert.Equal(t, 0, result.SkippedCount)
	assert.Empty(t, result.FailedRefs)
}

func TestManager_PurgePayloadsDeletesExistingBlobsAndReportsBytesFreed(t *testing.T) {
	mgr, _, store := newMockManager(t)
	ctx := context.Background()

	hash1, err := store.Store(ctx, []byte("first blob"))
	require.NoError(t, err)
	hash2, err := store.Store(ctx, []byte("second blob, a bit longer"))
	require.NoError(t, err)

	result, err := mgr.PurgePayloads(ctx, []string{hash1, hash2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, int64(len("first blob")+len("second blob, a bit longer")), result.BytesFreed)
	assert.Equal(t, 0, result.SkippedCount)
	assert.Empty(t, result.FailedRefs)

	for _, h := range []string{hash1, hash2} {
		exists, err := store.Exists(ctx, h)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestManager_PurgePayloadsSkipsRefNoLongerPresentInStore(t *testing.T) {
	mgr, _, store := newMockManager(t)
	ctx := context.Background()

	hash, err := store.Store(ctx, []byte("still here"))
	require.NoError(t, err)

	result, err := mgr.PurgePayloads(ctx, []string{hash, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedCount)
	assert.Equal(t, 1, result.SkippedCount)
	assert.Empty(t, result.FailedRefs)
}

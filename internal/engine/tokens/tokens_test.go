package tokens_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/tokens"
)

func newManager(t *testing.T) (*tokens.Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	return tokens.New(rec), mock
}

func TestManager_AllocateCreatesRootToken(t *testing.T) {
	mgr, mock := newManager(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO tokens").
		WithArgs(sqlmock.AnyArg(), "row-1", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tokenID, err := mgr.Allocate(ctx, "row-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tokenID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ForkRejectsEmptyBranchList(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Fork(ctx, tokens.ParentToken{TokenID: "t1", RowID: "r1"}, nil)
	require.Error(t, err)
}

func TestManager_ForkCreatesOneChildPerBranch(t *testing.T) {
	mgr, mock := newManager(t)
	ctx := context.Background()
	parent := tokens.ParentToken{TokenID: "parent-1", RowID: "row-1"}

	mock.ExpectExec("INSERT INTO tokens").
		WithArgs(sqlmock.AnyArg(), "row-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tokens").
		WithArgs(sqlmock.AnyArg(), "row-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	children, err := mgr.Fork(ctx, parent, []string{"left", "right"})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "left", children[0].BranchName)
	assert.Equal(t, "right", children[1].BranchName)
	for _, c := range children {
		assert.Equal(t, "row-1", c.RowID)
		assert.NotEmpty(t, c.TokenID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ForkPropagatesRecorderError(t *testing.T) {
	mgr, mock := newManager(t)
	ctx := context.Background()
	parent := tokens.ParentToken{TokenID: "parent-1", RowID: "row-1"}

	mock.ExpectExec("INSERT INTO tokens").WillReturnError(assert.AnError)

	_, err := mgr.Fork(ctx, parent, []string{"left"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestManager_ExpandTokenCreatesOneChildPerRow(t *testing.T) {
	mgr, mock := newManager(t)
	ctx := context.Background()
	parent := tokens.ParentToken{TokenID: "parent-1", RowID: "row-1"}

	mock.ExpectExec("INSERT INTO tokens").
		WithArgs(sqlmock.AnyArg(), "row-a", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tokens").
		WithArgs(sqlmock.AnyArg(), "row-b", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	children, err := mgr.ExpandToken(ctx, parent, []string{"row-a", "row-b"})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "row-a", children[0].RowID)
	assert.Equal(t, "row-b", children[1].RowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

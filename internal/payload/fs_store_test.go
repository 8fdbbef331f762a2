package payload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
)

func newStore(t *testing.T) *payload.FSStore {
	t.Helper()
	dir := t.TempDir()
	s, err := payload.NewFSStore(dir)
	require.NoError(t, err)
	return s
}

func TestFSStore_StoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	data := []byte("hello elspeth")
	hash, err := s.Store(ctx, data)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFSStore_StoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	data := []byte("same bytes twice")
	h1, err := s.Store(ctx, data)
	require.NoError(t, err)
	h2, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFSStore_ExistsReflectsState(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.Exists(ctx, payload.HashBytes([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, ok)

	hash, err := s.Store(ctx, []byte("yep"))
	require.NoError(t, err)

	ok, err = s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFSStore_DeleteReportsWhetherSpaceWasFreed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	hash, err := s.Store(ctx, []byte("to be deleted"))
	require.NoError(t, err)

	freed, err := s.Delete(ctx, hash)
	require.NoError(t, err)
	assert.True(t, freed)

	freedAgain, err := s.Delete(ctx, hash)
	require.NoError(t, err)
	assert.False(t, freedAgain)
}

func TestFSStore_RetrieveDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := payload.NewFSStore(dir)
	require.NoError(t, err)

	data := []byte("integrity matters")
	hash, err := s.Store(ctx, data)
	require.NoError(t, err)

	path := filepath.Join(dir, hash[0:2], hash[2:4], hash)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = s.Retrieve(ctx, hash)
	require.Error(t, err)
	var coreErr *elspethErr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, elspethErr.CodeIntegrity, coreErr.Code)
}

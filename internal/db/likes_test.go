package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementLikeCounter(t *testing.T) {
	ldb, err := NewLikesDatabase(filepath.Join(t.TempDir(), "likes.db"))
	require.NoError(t, err)
	defer ldb.Close()

	require.NoError(t, ldb.IncrementLikeCounter("photo-1"))
	require.NoError(t, ldb.IncrementLikeCounter("photo-1"))
	require.NoError(t, ldb.IncrementLikeCounter("photo-2"))

	count, err := ldb.GetLikeCount("photo-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = ldb.GetLikeCount("photo-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestGetLikeCountUnknownPhoto(t *testing.T) {
	ldb, err := NewLikesDatabase(filepath.Join(t.TempDir(), "likes.db"))
	require.NoError(t, err)
	defer ldb.Close()

	count, err := ldb.GetLikeCount("nobody-liked-this")
	require.NoError(t, err)
	require.Zero(t, count)
}

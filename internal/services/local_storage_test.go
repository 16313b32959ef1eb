package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImagePaths(t *testing.T) {
	assert.Equal(t, "user-ad-generation/u1/inputs/input_ad1_0.png", InputImagePath("u1", "ad1", 0))
	assert.Equal(t, "user-ad-generation/u1/result/result_ad1_2.png", ResultImagePath("u1", "ad1", 2))
}

func TestLocalImageStore_SaveAndDelete(t *testing.T) {
	root := t.TempDir()
	store := NewLocalImageStore(root, "http://localhost:8080/static/ads/")
	ctx := context.Background()

	url, err := store.Save(ctx, ResultImagePath("u1", "ad1", 0), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/static/ads/user-ad-generation/u1/result/result_ad1_0.png", url)

	data, err := os.ReadFile(filepath.Join(root, "user-ad-generation", "u1", "result", "result_ad1_0.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	require.NoError(t, store.Delete(ctx, url))
	_, err = os.Stat(filepath.Join(root, "user-ad-generation", "u1", "result", "result_ad1_0.png"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, store.Delete(ctx, url), "deleting a missing file is not an error")
}

func TestLocalImageStore_RejectsEscapes(t *testing.T) {
	store := NewLocalImageStore(t.TempDir(), "http://cdn")

	_, err := store.Save(context.Background(), "../outside.png", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidImagePath)

	err = store.Delete(context.Background(), "http://elsewhere/a.png")
	assert.ErrorIs(t, err, ErrInvalidImagePath)
}

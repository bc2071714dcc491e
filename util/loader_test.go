package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-cascade/images"
)

func TestListImageIDs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"00000010.jpeg", "00000002.jpeg", "00000003.png", "notes.txt", "frame-1.jpeg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "00000004.jpeg"), 0o700))

	ids, err := ListImageIDs(dir, images.FormatSDD)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, ids)

	_, err = ListImageIDs(filepath.Join(dir, "missing"), images.FormatSDD)
	assert.Error(t, err)
}

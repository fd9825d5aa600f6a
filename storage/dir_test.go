package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirMakeTemporary(t *testing.T) {
	t.Parallel()

	var d Dir
	require.NoError(t, d.Make(t.TempDir(), ""))
	assert.DirExists(t, d.Dir)

	require.NoError(t, d.Cleanup())
	_, err := os.Stat(d.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDirMakeExisting(t *testing.T) {
	t.Parallel()

	existing := t.TempDir()

	var d Dir
	require.NoError(t, d.Make("", existing))
	assert.Equal(t, existing, d.Dir)

	// user provided directories are kept.
	require.NoError(t, d.Cleanup())
	assert.DirExists(t, existing)
}

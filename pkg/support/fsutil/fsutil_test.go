package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNewDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, CreateNewDir(dir))
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	err = CreateNewDir(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestCreateNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.mdl")
	f, err := CreateNewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = CreateNewFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, WriteFileAtomic(path, []byte("{}")))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", dir)

	usr, err := user.Current()
	require.NoError(t, err)
	home := usr.HomeDir
	dir, err = ReplaceTildeInDir("~/ckpts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "ckpts"), dir)
}

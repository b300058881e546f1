package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAbsPath(t *testing.T) {
	base := t.TempDir()

	got, err := ResolveAbsPath("rec.wav", base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "rec.wav"), got)

	abs := filepath.Join(base, "x.wav")
	got, err = ResolveAbsPath(abs, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestResolveAndValidatePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.wav"), []byte("x"), 0644))

	_, err := ResolveAndValidatePath("a.wav", dir)
	assert.NoError(t, err)

	_, err = ResolveAndValidatePath("missing.wav", dir)
	assert.Error(t, err)
}

func TestTrimExt(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "rec"), TrimExt(filepath.Join("a", "rec.wav")))
	assert.Equal(t, "rec", TrimExt("rec"))
}

func TestRemoveQuietly(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "chunk.wav")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	assert.NoError(t, RemoveQuietly(p, p+".txt", ""))
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

package hashutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witch-series/witch-core/internal/hashutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.go", "package main\n")

	h1 := hashutil.FileHash(path)
	h2 := hashutil.FileHash(path)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestFileHashMissingFile(t *testing.T) {
	assert.Empty(t, hashutil.FileHash(filepath.Join(t.TempDir(), "nope.go")))
}

func TestDirectoryHashMatchesIdenticalTrees(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	for _, dir := range []string{a, b} {
		writeFile(t, dir, "main.go", "package main\n")
		writeFile(t, dir, "internal/util.go", "package internal\n")
	}

	ha, filesA := hashutil.DirectoryHash(a)
	hb, filesB := hashutil.DirectoryHash(b)
	assert.Equal(t, ha, hb)
	assert.Equal(t, filesA, filesB)
	assert.Len(t, filesA, 2)
}

func TestDirectoryHashDetectsSingleByteChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	before, _ := hashutil.DirectoryHash(dir)

	writeFile(t, dir, "main.go", "package main \n")
	after, _ := hashutil.DirectoryHash(dir)
	assert.NotEqual(t, before, after)
}

func TestDirectoryHashIgnoresNonSourceFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	before, _ := hashutil.DirectoryHash(dir)

	writeFile(t, dir, "README.md", "docs\n")
	writeFile(t, dir, "config.yaml", "key: value\n")
	after, files := hashutil.DirectoryHash(dir)
	assert.Equal(t, before, after)
	assert.Len(t, files, 1)
}

func TestDirectoryHashSkipsExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	before, _ := hashutil.DirectoryHash(dir)

	writeFile(t, dir, ".git/hook.go", "package hook\n")
	writeFile(t, dir, "vendor/dep.go", "package dep\n")
	writeFile(t, dir, "testdata/fixture.go", "package fixture\n")
	after, files := hashutil.DirectoryHash(dir)
	assert.Equal(t, before, after)
	assert.Len(t, files, 1)
}

func TestDirectoryHashSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	// A dangling symlink with a source extension is unreadable.
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "broken.go")))

	hash, files := hashutil.DirectoryHash(dir)
	assert.NotEmpty(t, hash)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "main.go")
}

func TestDirectoryHashUsesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pkg/a.go", "package pkg\n")

	_, files := hashutil.DirectoryHash(dir)
	assert.Contains(t, files, "pkg/a.go")
}

func TestVerifyIntegrity(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	hash, _ := hashutil.DirectoryHash(dir)
	assert.True(t, hashutil.VerifyIntegrity(hash, dir))

	writeFile(t, dir, "extra.go", "package main\n")
	assert.False(t, hashutil.VerifyIntegrity(hash, dir))
}

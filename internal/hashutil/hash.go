// Package hashutil computes the compatibility fingerprint of a node's source
// tree. Two processes running byte-identical trees produce identical combined
// hashes; any difference, even whitespace, changes the result. The hash is a
// coarse compatibility gate, not a semantic version check.
package hashutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// sourceExtension selects which files contribute to the fingerprint.
const sourceExtension = ".go"

// excludedDirs are never descended into.
var excludedDirs = map[string]struct{}{
	".git":         {},
	"vendor":       {},
	"testdata":     {},
	"tmp":          {},
	"node_modules": {},
}

// FileHash returns the xxhash digest of one file's content, or an empty
// string when the file cannot be read.
func FileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// DirectoryHash walks root, hashes every source file, and combines the
// per-file digests (sorted by relative path) into a single fingerprint.
// Unreadable files are skipped and omitted from the returned map; the
// computation never aborts on a single bad file.
func DirectoryHash(root string) (string, map[string]string) {
	fileHashes := make(map[string]string)

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, skip := excludedDirs[d.Name()]; skip && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if !strings.HasSuffix(d.Name(), sourceExtension) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if h := FileHash(path); h != "" {
			fileHashes[filepath.ToSlash(rel)] = h
		}
		return nil
	})

	paths := make([]string, 0, len(fileHashes))
	for p := range fileHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var combined strings.Builder
	for _, p := range paths {
		combined.WriteString(fileHashes[p])
	}

	return fmt.Sprintf("%016x", xxhash.Sum64String(combined.String())), fileHashes
}

// VerifyIntegrity reports whether root currently hashes to expected.
func VerifyIntegrity(expected, root string) bool {
	actual, _ := DirectoryHash(root)
	return actual == expected
}

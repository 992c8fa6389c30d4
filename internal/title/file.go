package title

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FileInfo is one file within a container.
type FileInfo struct {
	Path string
	Size int64
	// Hash is the lowercase hex content digest, empty until hashed.
	Hash string
	// NeedsRefresh marks a hash read back from the cache that has not been
	// re-validated against the file contents yet.
	NeedsRefresh bool
}

// Equal compares path, size and hash.
func (f FileInfo) Equal(o FileInfo) bool {
	return f.Path == o.Path && f.Size == o.Size && f.Hash == o.Hash
}

// Hashed reports whether the file carries a trusted hash.
func (f FileInfo) Hashed() bool {
	return f.Hash != "" && !f.NeedsRefresh
}

// SortFiles orders files by path.
func SortFiles(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// EqualLists compares two path-sorted lists.
func EqualLists(a, b []FileInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func copyFiles(files []FileInfo) []FileInfo {
	if files == nil {
		return nil
	}
	return append([]FileInfo(nil), files...)
}

func totalSize(files []FileInfo) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// walk lists every regular file below the archive root.
func walk(ctx context.Context, fs afero.Fs) ([]FileInfo, error) {
	var files []FileInfo
	err := afero.Walk(fs, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		files = append(files, FileInfo{Path: rooted(p), Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortFiles(files)
	return files, nil
}

func rooted(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// CleanPath roots a path sent by the server the way container listings
// are rooted. It fails for paths that name the root itself or climb out of
// it with "..".
func CleanPath(p string) (string, error) {
	slashed := filepath.ToSlash(p)
	for _, elem := range strings.Split(slashed, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path %q escapes the container", p)
		}
	}
	clean := rooted(slashed)
	if clean == "/" {
		return "", fmt.Errorf("path %q names no file", p)
	}
	return clean, nil
}

// merge carries hashes from prev into a fresh walk. A file keeps its hash
// only when it is still present with the same size.
func merge(prev, walked []FileInfo) []FileInfo {
	known := make(map[string]FileInfo, len(prev))
	for _, f := range prev {
		known[f.Path] = f
	}
	out := make([]FileInfo, len(walked))
	for i, w := range walked {
		out[i] = w
		if p, ok := known[w.Path]; ok && p.Size == w.Size {
			out[i].Hash = p.Hash
			out[i].NeedsRefresh = p.NeedsRefresh
		}
	}
	return out
}

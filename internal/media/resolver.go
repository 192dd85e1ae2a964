// Package media uploads local images to the remote media store once per batch.
package media

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/and161185/catalog-sync/internal/errs"
)

// Resolver maps logical image paths (as stored on entities) to files on disk.
// Paths under PublicPrefix, e.g. "/uploads/shoe.jpg", and relative paths are
// rooted at Root; other absolute paths are used as-is.
type Resolver struct {
	Root         string
	PublicPrefix string
}

// Resolve returns the filesystem path for a logical path, failing with
// errs.ErrMediaFileNotFound when no regular file exists there.
func (r Resolver) Resolve(logical string) (string, error) {
	logical = strings.TrimSpace(logical)
	if logical == "" {
		return "", fmt.Errorf("%w: empty path", errs.ErrMediaFileNotFound)
	}

	var fsPath string
	prefix := strings.TrimRight(r.PublicPrefix, "/")
	switch {
	case prefix != "" && (logical == prefix || strings.HasPrefix(logical, prefix+"/")):
		rel := strings.TrimPrefix(path.Clean(logical), prefix)
		joined, err := r.within(rel)
		if err != nil {
			return "", err
		}
		fsPath = joined
	case filepath.IsAbs(logical):
		fsPath = filepath.Clean(logical)
	default:
		joined, err := r.within(logical)
		if err != nil {
			return "", err
		}
		fsPath = joined
	}

	info, err := os.Stat(fsPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s (resolved to %s)", errs.ErrMediaFileNotFound, logical, fsPath)
	}
	return fsPath, nil
}

// within joins rel onto Root and rejects paths escaping it.
func (r Resolver) within(rel string) (string, error) {
	root := r.Root
	if root == "" {
		root = "."
	}
	joined := filepath.Join(root, filepath.FromSlash(strings.TrimLeft(rel, "/")))
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes media root", errs.ErrMediaFileNotFound, rel)
	}
	return joined, nil
}

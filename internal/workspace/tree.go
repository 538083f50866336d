// Package workspace keeps the client side view of the backend workspace
// file tree.
package workspace

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/omochice/moon-chat/internal/api"
	"github.com/rs/zerolog"
)

// Lister lists a workspace directory.
type Lister interface {
	ListFiles(ctx context.Context, path string) ([]api.FileNode, error)
}

// Snapshot is a copy of the tree state.
type Snapshot struct {
	Files       []api.FileNode
	CurrentPath string
	Selected    string
	Loading     bool
	Error       string
}

// Tree is the loaded part of the workspace. Entries of every loaded
// directory are kept flat, keyed by their absolute workspace path.
type Tree struct {
	lister Lister
	logger zerolog.Logger

	mu          sync.RWMutex
	files       []api.FileNode
	currentPath string
	selected    string
	loading     bool
	err         string
}

// NewTree creates an empty tree rooted at "/".
func NewTree(lister Lister, logger zerolog.Logger) *Tree {
	return &Tree{lister: lister, logger: logger, currentPath: "/"}
}

// Load lists dir and replaces every previously loaded descendant of dir
// with the result, directories first and then by name.
func (t *Tree) Load(ctx context.Context, dir string) error {
	if dir == "" {
		dir = "/"
	}

	t.mu.Lock()
	t.loading = true
	t.err = ""
	t.mu.Unlock()

	nodes, err := t.lister.ListFiles(ctx, dir)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loading = false
	if err != nil {
		t.err = err.Error()
		t.logger.Error().Err(err).Str("path", dir).Msg("Failed to load files")
		return err
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	kept := slices.DeleteFunc(t.files, func(n api.FileNode) bool {
		return strings.HasPrefix(n.Path, prefix)
	})

	slices.SortStableFunc(nodes, func(a, b api.FileNode) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})

	t.files = append(kept, nodes...)
	t.currentPath = dir
	return nil
}

// Refresh reloads the whole tree from the root.
func (t *Tree) Refresh(ctx context.Context) error {
	return t.Load(ctx, "/")
}

// Select marks path as the open file. An empty path clears the selection.
func (t *Tree) Select(path string) {
	t.mu.Lock()
	t.selected = path
	t.mu.Unlock()
}

// Children returns the loaded direct children of dir in display order.
func (t *Tree) Children(dir string) []api.FileNode {
	prefix := strings.TrimSuffix(dir, "/") + "/"

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []api.FileNode
	for _, n := range t.files {
		rest, ok := strings.CutPrefix(n.Path, prefix)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot returns a copy of the current state.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Files:       slices.Clone(t.files),
		CurrentPath: t.currentPath,
		Selected:    t.selected,
		Loading:     t.loading,
		Error:       t.err,
	}
}

package pipeline

import (
	"context"
	"sync"

	"github.com/sourceplane/marketsync/internal/model"
)

// Workspaces hands each job run the directory it executes in. The job calls
// release when done; keep asks to leave the directory's contents in place.
type Workspaces interface {
	Prepare(ctx context.Context, family model.Family, runID string) (dir string, release func(keep bool), err error)
}

// SharedWorkspace runs every job in one existing checkout. Jobs take turns:
// Prepare blocks until the previous job's cleanup ran.
type SharedWorkspace struct {
	Dir  string
	slot chan struct{}
}

// NewSharedWorkspace creates a shared workspace rooted at dir
func NewSharedWorkspace(dir string) *SharedWorkspace {
	return &SharedWorkspace{Dir: dir, slot: make(chan struct{}, 1)}
}

// Prepare waits for the checkout. Its files are never removed, so keep only
// matters for cloned workspaces.
func (w *SharedWorkspace) Prepare(ctx context.Context, family model.Family, runID string) (string, func(bool), error) {
	select {
	case w.slot <- struct{}{}:
		var once sync.Once
		return w.Dir, func(bool) { once.Do(func() { <-w.slot }) }, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

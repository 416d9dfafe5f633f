package gitsync

import (
	"fmt"
	"path"
	"strings"

	"github.com/sourceplane/marketsync/internal/model"
)

// Overlap is a pair of owned globs from different families that can claim
// the same repository path. With force-push, the later push of such a path
// silently discards the earlier family's update.
type Overlap struct {
	First  model.RepositoryOutputFile
	Second model.RepositoryOutputFile
}

func (o Overlap) String() string {
	return fmt.Sprintf("%s (%s) overlaps %s (%s)", o.First.Path, o.First.Owner, o.Second.Path, o.Second.Owner)
}

// CheckOwnership lists every pair of families whose owned globs may match a
// common path. Globs are compared textually: two globs overlap when they are
// equal or when either one, read as a path, matches the other pattern.
func CheckOwnership(workflow *model.Workflow) []Overlap {
	files := workflow.OutputFiles()

	var overlaps []Overlap
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[i].Owner == files[j].Owner {
				continue
			}
			if globsOverlap(files[i].Path, files[j].Path) {
				overlaps = append(overlaps, Overlap{First: files[i], Second: files[j]})
			}
		}
	}
	return overlaps
}

// OwnershipError is returned in strict mode when overlaps exist
type OwnershipError struct {
	Overlaps []Overlap
}

func (e *OwnershipError) Error() string {
	lines := make([]string, 0, len(e.Overlaps))
	for _, o := range e.Overlaps {
		lines = append(lines, o.String())
	}
	return fmt.Sprintf("%d overlapping ownership claim(s): %s", len(e.Overlaps), strings.Join(lines, "; "))
}

func globsOverlap(a, b string) bool {
	a, b = path.Clean(a), path.Clean(b)
	if a == b {
		return true
	}
	if ok, err := path.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := path.Match(b, a); err == nil && ok {
		return true
	}
	return false
}

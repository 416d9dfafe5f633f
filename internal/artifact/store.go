// Package artifact hands files between isolated job executions as named,
// versioned, retention-bounded bundles.
package artifact

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBundleNotFound = errors.New("artifact bundle not found")
	ErrBundleExpired  = errors.New("artifact bundle expired")
	ErrNoFiles        = errors.New("no files matched artifact paths")
)

// Bundle describes one immutable published version of a named artifact
type Bundle struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"` // zero means no expiry
	Root      string    `json:"root,omitempty"`      // common directory stripped from every file
	Paths     []string  `json:"paths"`               // globs the bundle was published from
	Files     []File    `json:"files"`
}

// File is one entry of a bundle, stored relative to the bundle root
type File struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Expired reports whether the bundle's retention elapsed at t
func (b *Bundle) Expired(t time.Time) bool {
	return !b.ExpiresAt.IsZero() && !t.Before(b.ExpiresAt)
}

// PublishOptions tunes one publish call
type PublishOptions struct {
	Retention  time.Duration // zero keeps the bundle until pruned manually
	AllowEmpty bool
}

// Store is the side channel between job executions that share no filesystem
type Store interface {
	// Publish uploads the files matching globs under baseDir as a new version of name
	Publish(ctx context.Context, name, baseDir string, globs []string, opts PublishOptions) (*Bundle, error)
	// Fetch restores the most recent live version of name into destDir
	Fetch(ctx context.Context, name, destDir string) (*Bundle, error)
	// FetchVersion restores one specific live version of name into destDir
	FetchVersion(ctx context.Context, name, version, destDir string) (*Bundle, error)
	// List returns every stored version, newest first
	List(ctx context.Context) ([]Bundle, error)
	// Prune deletes expired versions and reports how many were removed
	Prune(ctx context.Context) (int, error)
}

package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	manifestName = "manifest.json"
	filesDir     = "files"
	tmpPrefix    = ".tmp-"
)

// FileStore keeps bundles in a local directory tree:
// <root>/<name>/<version>/manifest.json and <root>/<name>/<version>/files/...
type FileStore struct {
	root string
	now  func() time.Time
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir, now: time.Now}
}

// WithClock replaces the store's clock, used to exercise retention
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

// Root returns the store directory
func (s *FileStore) Root() string {
	return s.root
}

// Publish uploads the files matching globs under baseDir as a new version.
// The version directory is assembled under a temporary name and renamed into
// place, so readers never observe a partial bundle.
func (s *FileStore) Publish(ctx context.Context, name, baseDir string, globs []string, opts PublishOptions) (*Bundle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	paths, err := expandGlobs(baseDir, globs)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 && !opts.AllowEmpty {
		return nil, fmt.Errorf("%w: bundle %s (%s)", ErrNoFiles, name, strings.Join(globs, ", "))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate bundle version: %w", err)
	}
	version := id.String()

	root := commonDir(paths)
	createdAt := s.now().UTC()
	bundle := &Bundle{
		Name:      name,
		Version:   version,
		CreatedAt: createdAt,
		Root:      root,
		Paths:     append([]string(nil), globs...),
		Files:     make([]File, 0, len(paths)),
	}
	if opts.Retention > 0 {
		bundle.ExpiresAt = createdAt.Add(opts.Retention)
	}

	nameDir := filepath.Join(s.root, name)
	tmpDir := filepath.Join(nameDir, tmpPrefix+version)
	if err := os.MkdirAll(filepath.Join(tmpDir, filesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmpDir)
		}
	}()

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stored, err := filepath.Rel(filepath.FromSlash(root), rel)
		if err != nil {
			return nil, fmt.Errorf("failed to relativize %s: %w", rel, err)
		}
		file, err := copyFile(filepath.Join(baseDir, rel), filepath.Join(tmpDir, filesDir, stored))
		if err != nil {
			return nil, fmt.Errorf("failed to store %s in bundle %s: %w", rel, name, err)
		}
		file.Path = filepath.ToSlash(stored)
		bundle.Files = append(bundle.Files, file)
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, manifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tmpDir, filepath.Join(nameDir, version)); err != nil {
		return nil, fmt.Errorf("failed to commit bundle %s: %w", name, err)
	}
	committed = true

	return bundle, nil
}

// Fetch restores the newest live version of name into destDir
func (s *FileStore) Fetch(ctx context.Context, name, destDir string) (*Bundle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	bundles, err := s.versions(name)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, name)
	}

	now := s.now()
	var latest *Bundle
	for i := range bundles {
		if !bundles[i].Expired(now) {
			latest = &bundles[i]
			break
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s (newest version %s expired at %s)",
			ErrBundleExpired, name, bundles[0].Version, bundles[0].ExpiresAt.Format(time.RFC3339))
	}

	if err := s.restore(ctx, latest, destDir); err != nil {
		return nil, err
	}
	return latest, nil
}

// FetchVersion restores exactly the given version of name into destDir
func (s *FileStore) FetchVersion(ctx context.Context, name, version, destDir string) (*Bundle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	bundles, err := s.versions(name)
	if err != nil {
		return nil, err
	}
	for i := range bundles {
		if bundles[i].Version != version {
			continue
		}
		bundle := &bundles[i]
		if bundle.Expired(s.now()) {
			return nil, fmt.Errorf("%w: %s version %s expired at %s",
				ErrBundleExpired, name, version, bundle.ExpiresAt.Format(time.RFC3339))
		}
		if err := s.restore(ctx, bundle, destDir); err != nil {
			return nil, err
		}
		return bundle, nil
	}
	return nil, fmt.Errorf("%w: %s version %s", ErrBundleNotFound, name, version)
}

func (s *FileStore) restore(ctx context.Context, bundle *Bundle, destDir string) error {
	srcDir := filepath.Join(s.root, bundle.Name, bundle.Version, filesDir)
	for _, file := range bundle.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.FromSlash(file.Path)
		if _, err := copyFile(filepath.Join(srcDir, rel), filepath.Join(destDir, rel)); err != nil {
			return fmt.Errorf("failed to restore %s from bundle %s: %w", file.Path, bundle.Name, err)
		}
	}
	return nil
}

// List returns every stored version across all names, newest first
func (s *FileStore) List(ctx context.Context) ([]Bundle, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact store: %w", err)
	}

	var all []Bundle
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bundles, err := s.versions(entry.Name())
		if err != nil {
			return nil, err
		}
		all = append(all, bundles...)
	}

	sortNewestFirst(all)
	return all, nil
}

// Prune deletes every expired version
func (s *FileStore) Prune(ctx context.Context) (int, error) {
	bundles, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, bundle := range bundles {
		if !bundle.Expired(now) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, bundle.Name, bundle.Version)); err != nil {
			return removed, fmt.Errorf("failed to remove %s/%s: %w", bundle.Name, bundle.Version, err)
		}
		removed++
	}
	return removed, nil
}

// versions loads every committed version of name, newest first
func (s *FileStore) versions(name string) ([]Bundle, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bundle %s: %w", name, err)
	}

	var bundles []Bundle
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name, entry.Name(), manifestName))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read manifest of %s/%s: %w", name, entry.Name(), err)
		}
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode manifest of %s/%s: %w", name, entry.Name(), err)
		}
		bundles = append(bundles, bundle)
	}

	sortNewestFirst(bundles)
	return bundles, nil
}

func sortNewestFirst(bundles []Bundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		if !bundles[i].CreatedAt.Equal(bundles[j].CreatedAt) {
			return bundles[i].CreatedAt.After(bundles[j].CreatedAt)
		}
		// UUIDv7 strings sort by creation time
		return bundles[i].Version > bundles[j].Version
	})
}

// expandGlobs resolves globs relative to baseDir into sorted, de-duplicated
// relative file paths. Directories are skipped.
func expandGlobs(baseDir string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(baseDir, filepath.FromSlash(glob)))
		if err != nil {
			return nil, fmt.Errorf("invalid artifact path %q: %w", glob, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(baseDir, match)
			if err != nil {
				return nil, fmt.Errorf("failed to relativize %s: %w", match, err)
			}
			if !seen[rel] {
				seen[rel] = true
				paths = append(paths, rel)
			}
		}
	}

	// Sort for a stable manifest; filesystem ordering is not reliable
	sort.Strings(paths)
	return paths, nil
}

// commonDir returns the deepest directory, slash-separated, that contains
// every path; "" when they share none
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := strings.Split(filepath.ToSlash(filepath.Dir(paths[0])), "/")
	for _, p := range paths[1:] {
		parts := strings.Split(filepath.ToSlash(filepath.Dir(p)), "/")
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	dir := strings.Join(common, "/")
	if dir == "." {
		return ""
	}
	return dir
}

func copyFile(src, dst string) (File, error) {
	in, err := os.Open(src)
	if err != nil {
		return File{}, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return File{}, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return File{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return File{}, err
	}

	return File{Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tmpPrefix) {
		return fmt.Errorf("invalid artifact bundle name %q", name)
	}
	return nil
}

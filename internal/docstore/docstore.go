// Package docstore keeps a session's working files on disk: a
// path → content map where every write bumps a per-document version.
// One store serves one session, and only the session actor writes to
// it, so a single mutex is enough.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for reads and deletes of unknown paths.
var ErrNotFound = errors.New("document not found")

// Doc describes one stored document. Content lives on disk under the
// store directory; the manifest carries the version counters.
type Doc struct {
	Path      string `json:"path"`
	Version   int64  `json:"version"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Store struct {
	mu        sync.Mutex
	dir       string
	filesDir  string
	filesReal string // canonical filesDir, for escape checks
	docs      map[string]Doc
	version   int64 // store-wide, bumped on every mutation
	now       func() int64
}

// Open loads (or creates) the store rooted at dir. Documents live under
// dir/files, version counters in dir/manifest.json. Files present on
// disk but missing from the manifest are adopted at version 1.
func Open(dir string) (*Store, error) {
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create docstore dir: %w", err)
	}
	real, err := filepath.EvalSymlinks(filesDir)
	if err != nil {
		return nil, fmt.Errorf("resolve docstore dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		filesDir:  filesDir,
		filesReal: real,
		docs:      make(map[string]Doc),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// FilesDir returns the on-disk directory documents live in. Shell
// commands run with this as their working directory so they see the
// same files the document tools do.
func (s *Store) FilesDir() string {
	return s.filesDir
}

// Read returns the document content and its descriptor.
func (s *Store) Read(p string) (string, Doc, error) {
	logical, err := normalize(p)
	if err != nil {
		return "", Doc{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[logical]
	if !ok {
		return "", Doc{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	target, err := s.diskPath(logical)
	if err != nil {
		return "", Doc{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", Doc{}, fmt.Errorf("read %s: %w", logical, err)
	}
	return string(data), doc, nil
}

// Write stores content under the path and bumps its version. The first
// write of a path creates it at version 1.
func (s *Store) Write(p, content string) (Doc, error) {
	logical, err := normalize(p)
	if err != nil {
		return Doc{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.diskPath(logical)
	if err != nil {
		return Doc{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Doc{}, fmt.Errorf("create parent dirs for %s: %w", logical, err)
	}
	if err := writeAtomic(filepath.Dir(target), target, []byte(content)); err != nil {
		return Doc{}, fmt.Errorf("write %s: %w", logical, err)
	}

	doc := Doc{
		Path:      logical,
		Version:   s.docs[logical].Version + 1,
		Size:      int64(len(content)),
		UpdatedAt: s.now(),
	}
	s.docs[logical] = doc
	s.version++
	if err := s.saveManifest(); err != nil {
		return Doc{}, err
	}
	return doc, nil
}

// Delete removes a document. Deleting an unknown path is an error.
func (s *Store) Delete(p string) error {
	logical, err := normalize(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[logical]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	target, err := s.diskPath(logical)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", logical, err)
	}
	delete(s.docs, logical)
	s.version++
	return s.saveManifest()
}

// Version is the store-wide version: it increases on every write and
// delete, so readers can detect any change with one number.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Stat returns the descriptor for a path without reading content.
func (s *Store) Stat(p string) (Doc, bool) {
	logical, err := normalize(p)
	if err != nil {
		return Doc{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[logical]
	return doc, ok
}

// List returns all document descriptors sorted by path.
func (s *Store) List() []Doc {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Doc, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// normalize validates a document path and returns its canonical
// slash-separated form. Paths are store-relative; a leading slash is
// ignored. Anything that would leave the store is rejected.
func normalize(p string) (string, error) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("invalid document path %q", p)
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("document path %q escapes the store", p)
	}
	return cleaned, nil
}

// diskPath maps a logical path onto the files directory and verifies
// the canonical target stays inside it. An externally planted symlink
// could otherwise redirect reads and writes out of the store.
func (s *Store) diskPath(logical string) (string, error) {
	target := filepath.Join(s.filesDir, filepath.FromSlash(logical))
	real, err := resolveThroughAncestors(target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", logical, err)
	}
	if !isPathInside(real, s.filesReal) {
		return "", fmt.Errorf("access denied: %s resolves outside the store", logical)
	}
	return target, nil
}

// resolveThroughAncestors canonicalizes the deepest existing ancestor
// of target and rejoins the remaining components, so symlinked
// intermediate directories are seen even when the leaf does not exist
// yet.
func resolveThroughAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return "", fmt.Errorf("no resolvable ancestor for %s", target)
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

type manifest struct {
	Version int64 `json:"version"`
	Docs    []Doc `json:"docs"`
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, "manifest.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.manifestPath())
	if err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		s.version = m.Version
		for _, doc := range m.Docs {
			s.docs[doc.Path] = doc
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read manifest: %w", err)
	}

	// Reconcile with disk: drop entries whose file vanished, adopt
	// files the manifest never saw (crash between write and manifest
	// save).
	seen := make(map[string]bool)
	err = filepath.WalkDir(s.filesDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		// Leftover temp files from an interrupted write are not documents.
		if strings.HasPrefix(d.Name(), ".doc-") && strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.filesDir, p)
		if err != nil {
			return err
		}
		logical := filepath.ToSlash(rel)
		seen[logical] = true
		if _, ok := s.docs[logical]; !ok {
			info, err := d.Info()
			if err != nil {
				return err
			}
			s.docs[logical] = Doc{
				Path:      logical,
				Version:   1,
				Size:      info.Size(),
				UpdatedAt: info.ModTime().UnixMilli(),
			}
			s.version++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan docstore: %w", err)
	}
	for p := range s.docs {
		if !seen[p] {
			delete(s.docs, p)
			s.version++
		}
	}
	return nil
}

func (s *Store) saveManifest() error {
	m := manifest{Version: s.version, Docs: make([]Doc, 0, len(s.docs))}
	for _, doc := range s.docs {
		m.Docs = append(m.Docs, doc)
	}
	sort.Slice(m.Docs, func(i, j int) bool { return m.Docs[i].Path < m.Docs[j].Path })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.dir, s.manifestPath(), data); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// writeAtomic writes data through a temp file in dir and renames it
// over target, so readers never observe a partial file.
func writeAtomic(dir, target string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, ".doc-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	cleanup = false
	return nil
}

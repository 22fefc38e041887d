// Package session implements the on-disk session persistence store: active
// sessions under <base>/<id>/, archived sessions under <base>/archived/<id>/,
// atomic metadata writes, and a process-wide file lock map — grounded
// directly on session_store.rs's RwLock-cache + refcounted-lock design.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxLockEntries triggers a stale-entry purge of the global lock map.
const maxLockEntries = 10000

// refcountedMutex is a sync.Mutex wrapped with a reference count, standing
// in for Rust's Arc<Mutex<()>> strong_count — Go has no equivalent, so the
// count is maintained by hand under the map's own guard lock.
type refcountedMutex struct {
	mu  sync.Mutex
	ref int32
}

var (
	fileLocksMu sync.Mutex
	fileLocks   = make(map[string]*refcountedMutex)
)

// acquireFileLock returns a locked mutex for path, purging stale entries
// (ref == 0) first if the map has grown large. Callers MUST call release()
// when done.
func acquireFileLock(path string) (*refcountedMutex, func()) {
	canonical := path
	if abs, err := filepath.Abs(path); err == nil {
		canonical = abs
	}

	fileLocksMu.Lock()
	if len(fileLocks) >= maxLockEntries {
		for k, v := range fileLocks {
			if v.ref == 0 {
				delete(fileLocks, k)
			}
		}
	}
	rm, ok := fileLocks[canonical]
	if !ok {
		rm = &refcountedMutex{}
		fileLocks[canonical] = rm
	}
	rm.ref++
	fileLocksMu.Unlock()

	rm.mu.Lock()
	release := func() {
		rm.mu.Unlock()
		fileLocksMu.Lock()
		rm.ref--
		fileLocksMu.Unlock()
	}
	return rm, release
}

// acquireFileLocksOrdered locks two paths in canonical lexicographic order
// to avoid deadlocking against a concurrent call locking the same pair in
// the opposite order.
func acquireFileLocksOrdered(a, b string) (releaseA, releaseB func()) {
	canonA, canonB := a, b
	if abs, err := filepath.Abs(a); err == nil {
		canonA = abs
	}
	if abs, err := filepath.Abs(b); err == nil {
		canonB = abs
	}
	if canonA <= canonB {
		_, relA := acquireFileLock(a)
		_, relB := acquireFileLock(b)
		return relA, relB
	}
	_, relB := acquireFileLock(b)
	_, relA := acquireFileLock(a)
	return relA, relB
}

// atomicWrite writes content to a temp file in path's directory, fsyncs it,
// then renames it over path. Readers never observe a partial write.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", filepath.Base(path), os.Getpid()))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := renameWithRetry(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// renameWithRetry removes the destination first on platforms where rename
// over an existing file can fail (notably Windows), retrying a bounded
// number of times.
func renameWithRetry(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	for i := 0; i < 3; i++ {
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// Meta is a session's persisted metadata.
type Meta struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Cwd       string                 `json:"cwd"`
	Model     string                 `json:"model,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	LastUsed  time.Time              `json:"last_used"`
	Archived  bool                   `json:"archived"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Summary is a lightweight listing entry, cheap to build for every session
// without loading the full conversation history.
type Summary struct {
	ID       string
	Title    string
	LastUsed time.Time
	Archived bool
	Preview  string
}

func (m Meta) toSummary(preview string) Summary {
	return Summary{ID: m.ID, Title: m.Title, LastUsed: m.LastUsed, Archived: m.Archived, Preview: preview}
}

// NotFoundError reports that no session exists with the given ID in either
// the active or archived directory.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("session not found: %s", e.ID) }

// Store is the on-disk session persistence layer.
type Store struct {
	baseDir    string
	archiveDir string
	logger     *zap.Logger

	cacheMu sync.RWMutex
	cache   map[string]Meta
}

func New(baseDir string, logger *zap.Logger) *Store {
	return &Store{
		baseDir:    baseDir,
		archiveDir: filepath.Join(baseDir, "archived"),
		logger:     logger,
		cache:      make(map[string]Meta),
	}
}

// Init creates the active and archived directories.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(s.archiveDir, 0o755)
}

// ListSessions lists sessions sorted by LastUsed descending, including
// archived ones when includeArchived is true.
func (s *Store) ListSessions(includeArchived bool) ([]Summary, error) {
	var summaries []Summary

	active, err := s.readSessionsFromDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	summaries = append(summaries, active...)

	if includeArchived {
		archived, err := s.readSessionsFromDir(s.archiveDir)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, archived...)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUsed.After(summaries[j].LastUsed)
	})

	return summaries, nil
}

func (s *Store) readSessionsFromDir(dir string) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var summaries []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionDir := filepath.Join(dir, entry.Name())
		meta, ok := s.loadSessionMeta(sessionDir)
		if !ok {
			continue
		}
		preview := s.sessionPreview(sessionDir)
		summaries = append(summaries, meta.toSummary(preview))

		s.cacheMu.Lock()
		s.cache[meta.ID] = meta
		s.cacheMu.Unlock()
	}
	return summaries, nil
}

func (s *Store) loadSessionMeta(sessionDir string) (Meta, bool) {
	metaPath := filepath.Join(sessionDir, "meta.json")
	content, err := os.ReadFile(metaPath)
	if err != nil {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(content, &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

// sessionPreview returns the first 100 characters of the first User message
// in history.jsonl, if any.
func (s *Store) sessionPreview(sessionDir string) string {
	historyPath := filepath.Join(sessionDir, "history.jsonl")
	content, err := os.ReadFile(historyPath)
	if err != nil {
		return ""
	}

	firstLine, _, _ := strings.Cut(string(content), "\n")
	if firstLine == "" {
		return ""
	}

	var entry struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(firstLine), &entry); err != nil {
		return ""
	}
	if entry.Role != "" && entry.Role != "user" {
		return ""
	}

	runes := []rune(entry.Text)
	if len(runes) > 100 {
		return string(runes[:100]) + "..."
	}
	return string(runes)
}

// Get returns a session's metadata, checking the in-memory cache first,
// then the active directory, then the archived directory.
func (s *Store) Get(id string) (Meta, error) {
	s.cacheMu.RLock()
	if meta, ok := s.cache[id]; ok {
		s.cacheMu.RUnlock()
		return meta, nil
	}
	s.cacheMu.RUnlock()

	if meta, ok := s.loadSessionMeta(filepath.Join(s.baseDir, id)); ok {
		s.cacheMu.Lock()
		s.cache[id] = meta
		s.cacheMu.Unlock()
		return meta, nil
	}

	if meta, ok := s.loadSessionMeta(filepath.Join(s.archiveDir, id)); ok {
		s.cacheMu.Lock()
		s.cache[id] = meta
		s.cacheMu.Unlock()
		return meta, nil
	}

	return Meta{}, &NotFoundError{ID: id}
}

// GetLast returns the most recently used active session, if any.
func (s *Store) GetLast() (*Meta, error) {
	sessions, err := s.ListSessions(false)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	meta, err := s.Get(sessions[0].ID)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Save writes session metadata atomically under a per-path process lock
// and refreshes the cache.
func (s *Store) Save(meta Meta) error {
	sessionDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}
	metaPath := filepath.Join(sessionDir, "meta.json")

	_, release := acquireFileLock(metaPath)
	defer release()

	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	if err := atomicWrite(metaPath, content); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache[meta.ID] = meta
	s.cacheMu.Unlock()

	s.logger.Debug("Saved session metadata", zap.String("id", meta.ID))
	return nil
}

// Archive moves a session from the active directory to the archived one,
// locking both paths in canonical order to avoid deadlocking against a
// concurrent archive of the reverse pair.
func (s *Store) Archive(id string) error {
	source := filepath.Join(s.baseDir, id)
	dest := filepath.Join(s.archiveDir, id)

	relSrc, relDst := acquireFileLocksOrdered(source, dest)
	defer relSrc()
	defer relDst()

	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return err
	}

	if err := os.Rename(source, dest); err != nil {
		return err
	}

	s.cacheMu.Lock()
	if meta, ok := s.cache[id]; ok {
		meta.Archived = true
		s.cache[id] = meta
	}
	s.cacheMu.Unlock()

	s.logger.Info("Archived session", zap.String("id", id))
	return nil
}

// Delete permanently removes a session from wherever it lives (active or
// archived), under that path's process lock.
func (s *Store) Delete(id string) error {
	activeDir := filepath.Join(s.baseDir, id)
	if _, err := os.Stat(activeDir); err == nil {
		_, release := acquireFileLock(activeDir)
		defer release()
		if err := os.RemoveAll(activeDir); err != nil {
			return err
		}
		s.evict(id)
		s.logger.Info("Deleted session", zap.String("id", id))
		return nil
	}

	archivedDir := filepath.Join(s.archiveDir, id)
	if _, err := os.Stat(archivedDir); err == nil {
		_, release := acquireFileLock(archivedDir)
		defer release()
		if err := os.RemoveAll(archivedDir); err != nil {
			return err
		}
		s.evict(id)
		s.logger.Info("Deleted archived session", zap.String("id", id))
		return nil
	}

	return &NotFoundError{ID: id}
}

func (s *Store) evict(id string) {
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()
}

// GetSessionDir returns the active-directory path for id (does not check
// existence or whether it's actually archived).
func (s *Store) GetSessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

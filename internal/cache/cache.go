// Package cache implements the disk-backed block cache that sits between
// the file I/O engine and the S3 request engine: reads are served from a
// per-inode file on local disk when the requested range is present, writes
// mirror into it, and entries are evicted LRU-first once the configured
// size budget is exceeded.
package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/internal/rangeset"
)

// evictionCheckInterval bounds how often Store re-evaluates the LRU list
// against the size budget: this is deliberately coarse to bound O(size)
// work per call.
const evictionCheckInterval = 10 * time.Second

// Config configures a Manager's on-disk footprint.
type Config struct {
	// Dir is the cache root; a randomly named subdirectory is created
	// beneath it for the lifetime of the Manager.
	Dir string
	// MaxMegabyteSize, if non-zero, takes precedence over MaxSize and is
	// interpreted in mebibytes (cache.max-megabyte-size).
	MaxMegabyteSize uint64
	// MaxSize is the byte budget fallback; no config key sets it.
	MaxSize uint64
}

func (c Config) maxSizeBytes() uint64 {
	if c.MaxMegabyteSize > 0 {
		return c.MaxMegabyteSize * 1024 * 1024
	}
	return c.MaxSize
}

type entry struct {
	ino       uint64
	avail     *rangeset.Set
	modTime   time.Time
	lruElem   *list.Element
	versionID string
	etag      string
}

// Manager owns every cache entry and the backing files on disk.
type Manager struct {
	mu sync.Mutex

	runDir  string
	maxSize uint64
	size    uint64

	entries   map[uint64]*entry
	lru       *list.List // front = most recently used
	lastCheck time.Time

	hits   uint64
	misses uint64

	clock  timeutil.Clock
	logger *zap.SugaredLogger
}

// New creates the per-run cache subdirectory and returns a ready Manager.
func New(cfg Config, clock timeutil.Clock, logger *zap.SugaredLogger) (*Manager, error) {
	runDir := filepath.Join(cfg.Dir, uuid.NewString())
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create run directory %q: %w", runDir, err)
	}

	return &Manager{
		runDir:    runDir,
		maxSize:   cfg.maxSizeBytes(),
		entries:   make(map[uint64]*entry),
		lru:       list.New(),
		lastCheck: clock.Now(),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Close removes the per-run cache subdirectory and everything in it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(m.runDir)
}

func (m *Manager) fileName(ino uint64) string {
	return filepath.Join(m.runDir, fmt.Sprintf("cache_mng_%d", ino))
}

// Retrieve reads [offset, offset+size) for ino from the backing file if the
// entry's range set covers it. ok is false on a miss or a read failure;
// callers fall back to the S3 request engine.
func (m *Manager) Retrieve(ino uint64, size int, offset int64) (buf []byte, ok bool) {
	m.mu.Lock()
	e, found := m.entries[ino]
	if !found || !e.avail.Contains(uint64(offset), uint64(offset)+uint64(size)) {
		m.misses++
		m.mu.Unlock()
		return nil, false
	}
	path := m.fileName(ino)
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		m.logger.Errorf("cache: open %q for read: %v", path, err)
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		return nil, false
	}
	defer f.Close()

	out := make([]byte, size)
	n, err := f.ReadAt(out, offset)
	success := err == nil && n == size

	m.mu.Lock()
	defer m.mu.Unlock()
	if !success {
		m.logger.Errorf("cache: short read for inode %d at offset %d: %v", ino, offset, err)
		m.misses++
		return nil, false
	}
	m.hits++
	// Move to the front of the LRU list; e may have been evicted by a
	// concurrent Store's eviction pass between the unlock above and here.
	if e, stillPresent := m.entries[ino]; stillPresent {
		m.lru.MoveToFront(e.lruElem)
	}
	return out, true
}

// Store writes buf to the backing file at offset, creates the entry if
// absent, and extends its range set. ok reflects only the physical write;
// the range set is updated exclusively when the write returns exactly
// len(buf) bytes.
func (m *Manager) Store(ino uint64, buf []byte, offset int64) (ok bool) {
	m.maybeEvict(uint64(len(buf)))

	path := m.fileName(ino)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		m.logger.Errorf("cache: open %q for write: %v", path, err)
		return false
	}
	n, werr := f.WriteAt(buf, offset)
	f.Close()
	success := werr == nil && n == len(buf)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.entries[ino]
	if !found {
		e = &entry{ino: ino, avail: rangeset.New()}
		e.lruElem = m.lru.PushFront(e)
		m.entries[ino] = e
	}

	if success {
		oldLength := e.avail.Length()
		e.avail.Add(uint64(offset), uint64(offset)+uint64(len(buf)))
		newLength := e.avail.Length()
		if newLength >= oldLength {
			m.size += newLength - oldLength
		} else {
			m.logger.Errorf("cache: inode %d range length shrank from %d to %d", ino, oldLength, newLength)
		}
		e.modTime = m.clock.Now()
	} else {
		m.logger.Errorf("cache: short write for inode %d at offset %d: %v", ino, offset, werr)
	}

	return success
}

// maybeEvict runs the coarse, time-gated eviction pass: at most once per
// evictionCheckInterval, pop LRU tails until the incoming write fits the
// size budget.
func (m *Manager) maybeEvict(incoming uint64) {
	m.mu.Lock()
	now := m.clock.Now()
	if now.Sub(m.lastCheck) < evictionCheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = now

	var toRemove []uint64
	for m.maxSize > 0 && m.size+incoming > m.maxSize {
		tail := m.lru.Back()
		if tail == nil {
			break
		}
		e := tail.Value.(*entry)
		m.size -= e.avail.Length()
		m.lru.Remove(tail)
		delete(m.entries, e.ino)
		toRemove = append(toRemove, e.ino)
	}
	m.mu.Unlock()

	for _, ino := range toRemove {
		if err := os.Remove(m.fileName(ino)); err != nil && !os.IsNotExist(err) {
			m.logger.Errorf("cache: evict inode %d: %v", ino, err)
		}
	}
}

// Remove drops the entry for ino and unlinks its backing file.
func (m *Manager) Remove(ino uint64) {
	m.mu.Lock()
	e, found := m.entries[ino]
	if !found {
		m.mu.Unlock()
		return
	}
	m.size -= e.avail.Length()
	m.lru.Remove(e.lruElem)
	delete(m.entries, ino)
	m.mu.Unlock()

	if err := os.Remove(m.fileName(ino)); err != nil && !os.IsNotExist(err) {
		m.logger.Errorf("cache: remove backing file for inode %d: %v", ino, err)
	}
}

// GetVersionID returns the cached version-id for ino, if any.
func (m *Manager) GetVersionID(ino uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[ino]
	if !found || e.versionID == "" {
		return "", false
	}
	return e.versionID, true
}

// UpdateVersionID sets ino's cached version-id, replacing it only if changed.
func (m *Manager) UpdateVersionID(ino uint64, versionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[ino]
	if !found {
		return
	}
	if e.versionID != versionID {
		e.versionID = versionID
	}
}

// GetETag returns the cached ETag for ino, if any.
func (m *Manager) GetETag(ino uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[ino]
	if !found || e.etag == "" {
		return "", false
	}
	return e.etag, true
}

// UpdateETag sets ino's cached ETag, replacing it only if changed. Returns
// false if no entry exists for ino.
func (m *Manager) UpdateETag(ino uint64, etag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[ino]
	if !found {
		return false
	}
	if e.etag != etag {
		e.etag = etag
	}
	return true
}

// Stats reports entry count, the size derived by iterating entries (which
// must equal the tracked size — a test invariant), hits, and misses.
func (m *Manager) Stats() (entries int, totalSize, hits, misses uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum uint64
	for _, e := range m.entries {
		sum += e.avail.Length()
	}
	return len(m.entries), sum, m.hits, m.misses
}

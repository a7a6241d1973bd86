// Package rendercache tracks generated render files with TTL and
// size-bounded eviction. Its lifecycle shape (background janitor, atomic
// stat counters, an injectable Clock for deterministic tests) is grounded
// on PayRpc's EnterpriseCache, and its eviction notifications reuse a
// publish-to-subscribers shape via internal/notify.
package rendercache

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock provides a testable time source, matching the pack's cache
// lifecycle pattern so eviction/TTL tests can advance time explicitly.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Record describes one generated render artifact tracked by the cache.
type Record struct {
	FilePath  string
	SessionID string
	Format    string
	FileSize  int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Width     int
	Height    int
	Checksum  uint32
}

// Event is published on register/evict/expire for the notification hub.
type Event struct {
	Kind   string // "created", "evicted", "expired"
	Record Record
}

// Publisher receives cache lifecycle events. internal/notify.Hub
// implements this.
type Publisher interface {
	Publish(channel, kind string, payload any)
}

// Stats reports how many records are live, how many bytes they hold,
// and how much churn the eviction passes have done.
type Stats struct {
	LiveCount      int64
	LiveBytes      int64
	ExpiredEvicted uint64
	SizeEvicted    uint64
}

var (
	// ErrInvalidPath is returned by Register when file_path escapes dir
	// or contains a path traversal component.
	ErrInvalidPath = errors.New("rendercache: invalid file path")
)

// Options configures a Cache at construction.
type Options struct {
	Dir                   string
	TTL                   time.Duration
	MaxCacheSize          int64
	CleanupIntervalSeconds int
	Clock                 Clock
	Publisher             Publisher
}

// Cache is the in-memory registry of render records, backed by files
// on disk under a single directory.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record

	dir          string
	ttl          time.Duration
	maxCacheSize int64
	clock        Clock
	publisher    Publisher

	liveBytes      int64
	expiredEvicted uint64
	sizeEvicted    uint64

	stopCh chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Cache. Dir must already exist; New does not create it.
func New(opts Options) *Cache {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Cache{
		records:      make(map[string]*Record),
		dir:          filepath.Clean(opts.Dir),
		ttl:          opts.TTL,
		maxCacheSize: opts.MaxCacheSize,
		clock:        clock,
		publisher:    opts.Publisher,
		stopCh:       make(chan struct{}),
	}
}

// NextPath generates a render file path of the form
// {dir}/render_{unix_seconds}_{session_or_autoN}_{8-hex-random}.{format}.
func (c *Cache) NextPath(sessionID, format string) string {
	if sessionID == "" {
		sessionID = autoSessionID()
	}
	return filepath.Join(c.dir, fmt.Sprintf("render_%d_%s_%s.%s",
		c.clock.Now().Unix(), sessionID, randomSuffix(), format))
}

var autoCounter uint64

func autoSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return "auto" + strings.ReplaceAll(id.String(), "-", "")[:8]
	}
	n := atomic.AddUint64(&autoCounter, 1)
	return fmt.Sprintf("auto%d", n)
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	for i := range buf {
		buf[i] = byte(mrand.Intn(256))
	}
	return hex.EncodeToString(buf)
}

// validatePath refuses paths that do not resolve under dir or contain
// ".." anywhere in the path string.
func (c *Cache) validatePath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(path, "..") {
		return ErrInvalidPath
	}
	rel, err := filepath.Rel(c.dir, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ErrInvalidPath
	}
	return nil
}

// Register records a new render file's attributes and computes its
// rolling checksum. The caller has already written the file at
// rec.FilePath.
func (c *Cache) Register(rec Record, data []byte) (*Record, error) {
	if err := c.validatePath(rec.FilePath); err != nil {
		return nil, err
	}
	rec.Checksum = Checksum(data)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.clock.Now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(c.ttl)
	}

	c.mu.Lock()
	c.records[rec.FilePath] = &rec
	atomic.AddInt64(&c.liveBytes, rec.FileSize)
	c.mu.Unlock()

	c.publish("created", rec)
	return &rec, nil
}

// Get returns the live record for a path, if any.
func (c *Cache) Get(path string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[path]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// CleanupExpired removes every record whose ExpiresAt <= now, best-effort
// unlinking the backing file, and returns the bytes freed.
func (c *Cache) CleanupExpired() int64 {
	now := c.clock.Now()
	var freed int64
	var evicted []Record

	c.mu.Lock()
	for path, r := range c.records {
		if !r.ExpiresAt.After(now) {
			delete(c.records, path)
			freed += r.FileSize
			c.expiredEvicted++
			evicted = append(evicted, *r)
		}
	}
	atomic.AddInt64(&c.liveBytes, -freed)
	c.mu.Unlock()

	for _, r := range evicted {
		_ = os.Remove(r.FilePath)
		c.publish("expired", r)
	}
	return freed
}

// EnforceCacheLimit evicts oldest-created-first records until the live
// set's total size is <= MaxCacheSize. A non-positive MaxCacheSize
// disables enforcement.
func (c *Cache) EnforceCacheLimit() int64 {
	if c.maxCacheSize <= 0 {
		return 0
	}

	c.mu.Lock()
	total := atomic.LoadInt64(&c.liveBytes)
	if total <= c.maxCacheSize {
		c.mu.Unlock()
		return 0
	}

	ordered := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	var freed int64
	var evicted []Record
	for _, r := range ordered {
		if total <= c.maxCacheSize {
			break
		}
		delete(c.records, r.FilePath)
		total -= r.FileSize
		freed += r.FileSize
		c.sizeEvicted++
		evicted = append(evicted, *r)
	}
	atomic.AddInt64(&c.liveBytes, -freed)
	c.mu.Unlock()

	for _, r := range evicted {
		_ = os.Remove(r.FilePath)
		c.publish("evicted", r)
	}
	return freed
}

func (c *Cache) publish(kind string, rec Record) {
	if c.publisher == nil {
		return
	}
	if rec.SessionID == "" {
		return
	}
	c.publisher.Publish(rec.SessionID, kind, Event{Kind: kind, Record: rec})
}

// Stats snapshots the cache's live set and churn counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		LiveCount:      int64(len(c.records)),
		LiveBytes:      atomic.LoadInt64(&c.liveBytes),
		ExpiredEvicted: c.expiredEvicted,
		SizeEvicted:    c.sizeEvicted,
	}
}

// StartJanitor launches a background goroutine that runs
// CleanupExpired and EnforceCacheLimit every intervalSeconds (60 when
// non-positive) until Stop is called.
func (c *Cache) StartJanitor(intervalSeconds int) {
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpired()
				c.EnforceCacheLimit()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the janitor goroutine, if running, and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

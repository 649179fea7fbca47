// Package cache provides a thread-safe in-memory cache with disk
// persistence for parsed certificate records. Entries are keyed by source
// path and become stale when the file's (mtime_ns, size_bytes) no longer
// matches what was recorded at insertion time. Persistence uses a
// versioned, length-prefixed binary format written via temp-file-then-
// rename.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/apperrors"
	"github.com/brandonhon/tls-cert-monitor/internal/certinfo"
)

func init() {
	gob.Register(&certinfo.Record{})
}

// cacheMagic and cacheVersion identify the on-disk format.
var cacheMagic = [6]byte{'T', 'L', 'S', 'C', 'M', 0}

const cacheVersion byte = 1

const cacheFileName = "cache.bin"
const cacheTempName = "cache.tmp"

// Entry is one cached certificate record plus its staleness keys.
type Entry struct {
	Record     *certinfo.Record
	Key        string
	MTimeNS    int64
	SizeBytes  int64
	InsertedAt int64 // unix nanoseconds
}

// Stats summarizes cache effectiveness, as returned by the /cache/stats
// endpoint.
type Stats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is a thread-safe, TTL-and-size-bounded cache of certinfo.Record
// values with optional disk persistence.
type Cache struct {
	entries       map[string]*Entry
	order         []string // insertion order, for FIFO eviction
	dir           string
	ttl           time.Duration
	maxBytes      int64
	currentBytes  int64
	flushInterval time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a cache persisted under dir (empty dir disables persistence),
// with the given TTL and max total estimated size in bytes. It loads any
// existing cache file and starts a background flush/cleanup loop.
func New(dir string, ttl time.Duration, maxBytes int64) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, apperrors.Wrap(apperrors.KindCacheIO, "failed to create cache directory", err)
		}
	}

	c := &Cache{
		entries:       make(map[string]*Entry),
		dir:           dir,
		ttl:           ttl,
		maxBytes:      maxBytes,
		flushInterval: 60 * time.Second,
		stopChan:      make(chan struct{}),
	}

	if err := c.load(); err != nil {
		// Corrupt or missing cache files are never fatal.
		fmt.Fprintf(os.Stderr, "cache: failed to load from disk, starting empty: %v\n", err)
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c, nil
}

// Get returns the cached record for path if present and its staleness keys
// match mtimeNS/sizeBytes exactly; otherwise it counts a miss and returns
// (nil, false). Expired entries (older than ttl) are also treated as
// misses and removed lazily.
func (c *Cache) Get(path string, mtimeNS, sizeBytes int64) (*certinfo.Record, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if c.isExpired(entry) {
		c.mu.Lock()
		c.removeLocked(path)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	if entry.MTimeNS != mtimeNS || entry.SizeBytes != sizeBytes {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Record, true
}

func (c *Cache) isExpired(entry *Entry) bool {
	if c.ttl <= 0 {
		return false
	}
	age := time.Duration(time.Now().UnixNano()-entry.InsertedAt) * time.Nanosecond
	return age > c.ttl
}

// Put inserts or replaces the cache entry for path, evicting the oldest
// entries (by insertion order) if the estimated total size would exceed
// maxBytes.
func (c *Cache) Put(path string, mtimeNS, sizeBytes int64, record *certinfo.Record) {
	size := estimateSize(record)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.entries[path]; exists {
		c.currentBytes -= estimateSize(old.Record)
		c.removeFromOrderLocked(path)
	}

	for c.maxBytes > 0 && c.currentBytes+size > c.maxBytes && len(c.entries) > 0 {
		c.evictOldestLocked()
	}

	c.entries[path] = &Entry{
		Record:     record,
		Key:        path,
		MTimeNS:    mtimeNS,
		SizeBytes:  sizeBytes,
		InsertedAt: time.Now().UnixNano(),
	}
	c.order = append(c.order, path)
	c.currentBytes += size
}

// Invalidate removes the entry for path, if present.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.order = nil
	c.currentBytes = 0
}

func (c *Cache) removeLocked(path string) {
	if entry, ok := c.entries[path]; ok {
		c.currentBytes -= estimateSize(entry.Record)
		delete(c.entries, path)
		c.removeFromOrderLocked(path)
	}
}

func (c *Cache) removeFromOrderLocked(path string) {
	for i, k := range c.order {
		if k == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictOldestLocked removes the entry inserted earliest. FIFO eviction is
// sufficient; LRU is not required.
func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	if entry, ok := c.entries[oldest]; ok {
		c.currentBytes -= estimateSize(entry.Record)
		delete(c.entries, oldest)
		c.evictions.Add(1)
	}
}

// estimateSize is a rough per-entry size estimate used only for eviction
// bookkeeping, not an exact byte count.
func estimateSize(record *certinfo.Record) int64 {
	if record == nil {
		return 64
	}
	return int64(len(record.SourcePath) + len(record.Subject) + len(record.Issuer) + 256)
}

// Stats reports current cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	bytesUsed := c.currentBytes
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Entries:   entries,
		Bytes:     bytesUsed,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// Close stops the background flush loop and performs one final save.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	if err := c.save(); err != nil {
		fmt.Fprintf(os.Stderr, "cache: failed to save on close: %v\n", err)
	}
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.removeExpired()
			if err := c.save(); err != nil {
				fmt.Fprintf(os.Stderr, "cache: periodic save failed: %v\n", err)
			}
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, entry := range c.entries {
		if c.isExpired(entry) {
			c.currentBytes -= estimateSize(entry.Record)
			delete(c.entries, path)
			c.removeFromOrderLocked(path)
		}
	}
}

// save persists all non-expired entries to <dir>/cache.bin via
// temp-file-then-rename, using the versioned binary format.
func (c *Cache) save() error {
	if c.dir == "" {
		return nil
	}

	c.mu.RLock()
	snapshot := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.isExpired(e) {
			snapshot = append(snapshot, e)
		}
	}
	c.mu.RUnlock()

	buf, err := encodeEntries(snapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to encode cache", err)
	}

	tempPath := filepath.Join(c.dir, cacheTempName)
	finalPath := filepath.Join(c.dir, cacheFileName)

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path is fixed, not user input
	if err != nil {
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to create cache temp file", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tempPath)
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to write cache temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to sync cache temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to close cache temp file", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return apperrors.Wrap(apperrors.KindCacheIO, "failed to rename cache file", err)
	}
	return nil
}

// load restores entries from <dir>/cache.bin, discarding the file (without
// error) if it is missing, corrupt, or written by an unsupported version.
func (c *Cache) load() error {
	if c.dir == "" {
		return nil
	}

	path := filepath.Join(c.dir, cacheFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- path is fixed, not user input
	if err != nil {
		return nil // missing or unreadable cache file is never fatal, start empty
	}

	entries, err := decodeEntries(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache: discarding corrupt or unsupported cache file: %v\n", err)
		return nil
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		age := time.Duration(now.UnixNano()-e.InsertedAt) * time.Nanosecond
		if c.ttl > 0 && age > c.ttl {
			continue
		}
		c.entries[e.Key] = e
		c.order = append(c.order, e.Key)
		c.currentBytes += estimateSize(e.Record)
	}
	return nil
}

// encodeEntries serializes entries into the format: magic, version,
// u32-BE count, then per entry: u16 path length, path bytes, u64 mtime_ns,
// u64 size_bytes, u64 inserted_at_ns, u32 record length, gob-encoded
// record bytes.
func encodeEntries(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(cacheMagic[:])
	buf.WriteByte(cacheVersion)

	// Paths too long to represent in the u16 length field are skipped, and
	// left out of the count so the stream stays consistent.
	kept := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Key) <= 0xFFFF {
			kept = append(kept, e)
		}
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(kept))) //nolint:gosec // bounded by in-memory cache size
	buf.Write(countBuf[:])

	for _, e := range kept {
		var recordBuf bytes.Buffer
		if err := gob.NewEncoder(&recordBuf).Encode(e.Record); err != nil {
			return nil, fmt.Errorf("encode record for %s: %w", e.Key, err)
		}

		var u16Buf [2]byte
		binary.BigEndian.PutUint16(u16Buf[:], uint16(len(e.Key)))
		buf.Write(u16Buf[:])
		buf.WriteString(e.Key)

		var u64Buf [8]byte
		binary.BigEndian.PutUint64(u64Buf[:], uint64(e.MTimeNS)) //nolint:gosec // mtime is always non-negative
		buf.Write(u64Buf[:])
		binary.BigEndian.PutUint64(u64Buf[:], uint64(e.SizeBytes)) //nolint:gosec // size is always non-negative
		buf.Write(u64Buf[:])
		binary.BigEndian.PutUint64(u64Buf[:], uint64(e.InsertedAt)) //nolint:gosec // timestamp is always non-negative
		buf.Write(u64Buf[:])

		var u32Buf [4]byte
		binary.BigEndian.PutUint32(u32Buf[:], uint32(recordBuf.Len())) //nolint:gosec // bounded by a single certificate record
		buf.Write(u32Buf[:])
		buf.Write(recordBuf.Bytes())
	}

	return buf.Bytes(), nil
}

func decodeEntries(data []byte) ([]*Entry, error) {
	if len(data) < len(cacheMagic)+1+4 {
		return nil, fmt.Errorf("cache file too short")
	}
	if !bytes.Equal(data[:len(cacheMagic)], cacheMagic[:]) {
		return nil, fmt.Errorf("bad cache file magic")
	}
	offset := len(cacheMagic)

	version := data[offset]
	offset++
	if version != cacheVersion {
		return nil, fmt.Errorf("unsupported cache version %d", version)
	}

	count := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4

	entries := make([]*Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, next, err := decodeOneEntry(data, offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		offset = next
	}
	return entries, nil
}

func decodeOneEntry(data []byte, offset int) (*Entry, int, error) {
	if offset+2 > len(data) {
		return nil, 0, fmt.Errorf("truncated cache entry header")
	}
	pathLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+pathLen > len(data) {
		return nil, 0, fmt.Errorf("truncated cache entry path")
	}
	path := string(data[offset : offset+pathLen])
	offset += pathLen

	if offset+24 > len(data) {
		return nil, 0, fmt.Errorf("truncated cache entry timestamps")
	}
	mtimeNS := int64(binary.BigEndian.Uint64(data[offset : offset+8])) //nolint:gosec // round-trips a previously-written non-negative value
	offset += 8
	sizeBytes := int64(binary.BigEndian.Uint64(data[offset : offset+8])) //nolint:gosec // round-trips a previously-written non-negative value
	offset += 8
	insertedAt := int64(binary.BigEndian.Uint64(data[offset : offset+8])) //nolint:gosec // round-trips a previously-written non-negative value
	offset += 8

	if offset+4 > len(data) {
		return nil, 0, fmt.Errorf("truncated cache entry record length")
	}
	recordLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	if offset+recordLen > len(data) {
		return nil, 0, fmt.Errorf("truncated cache entry record body")
	}
	var record certinfo.Record
	if err := gob.NewDecoder(bytes.NewReader(data[offset : offset+recordLen])).Decode(&record); err != nil {
		return nil, 0, fmt.Errorf("decode record for %s: %w", path, err)
	}
	offset += recordLen

	return &Entry{
		Record:     &record,
		Key:        path,
		MTimeNS:    mtimeNS,
		SizeBytes:  sizeBytes,
		InsertedAt: insertedAt,
	}, offset, nil
}

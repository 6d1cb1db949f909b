package tpmgate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	v:<version>              version marker, value is the creation time
//	e:<version>\x00<url>     gob encoded CachedEntry
//	meta:active              version serving requests
//	meta:waiting             installed version waiting for activation
const (
	versionPrefix = "v:"
	entryPrefix   = "e:"
	metaActive    = "meta:active"
	metaWaiting   = "meta:waiting"
)

// Store is the versioned cache store: leveldb on disk with a byte bounded
// LRU in front for reads.
type Store struct {
	// mu orders entry writes against version deletes: Put holds it shared
	// and only writes while the version marker exists.
	mu  sync.RWMutex
	db  *leveldb.DB
	ram *ramCache
	log *zap.Logger
}

// ErrVersionDeleted is returned by Cache.Put once its version is gone.
var ErrVersionDeleted = errors.New("cache version deleted")

func OpenStore(path string, ramMax int64, log *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", path, err)
	}
	return newStore(db, ramMax, log), nil
}

// OpenMemStore returns a store backed by memory only.
func OpenMemStore(ramMax int64, log *zap.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, ramMax, log), nil
}

func newStore(db *leveldb.DB, ramMax int64, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:  db,
		ram: newRAMCache(ramMax, newRateLimitedLogger(log, time.Minute)),
		log: log,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Open returns the cache for version, creating it when missing.
func (s *Store) Open(version string) (*Cache, error) {
	if version == "" || strings.ContainsRune(version, 0) {
		return nil, fmt.Errorf("invalid cache version %q", version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := []byte(versionPrefix + version)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		if err := s.db.Put(key, []byte(now), nil); err != nil {
			return nil, err
		}
	}
	return &Cache{store: s, version: version}, nil
}

// Has reports whether a cache exists for version.
func (s *Store) Has(version string) bool {
	ok, err := s.db.Has([]byte(versionPrefix+version), nil)
	return err == nil && ok
}

// Keys lists the cache versions present, sorted.
func (s *Store) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(versionPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(versionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the cache for version with all of its entries.
func (s *Store) Delete(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(version)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(versionPrefix + version))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.ram.DeletePrefix(version + "\x00")
	return nil
}

func (s *Store) Active() (string, bool) { return s.meta(metaActive) }

func (s *Store) Waiting() (string, bool) { return s.meta(metaWaiting) }

func (s *Store) SetActive(version string) error {
	return s.db.Put([]byte(metaActive), []byte(version), nil)
}

func (s *Store) SetWaiting(version string) error {
	if version == "" {
		return s.db.Delete([]byte(metaWaiting), nil)
	}
	return s.db.Put([]byte(metaWaiting), []byte(version), nil)
}

// Promote makes the waiting version active and clears waiting in one write.
func (s *Store) Promote() (string, error) {
	w, ok := s.Waiting()
	if !ok {
		return "", ErrNoWaitingVersion
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(metaActive), []byte(w))
	batch.Delete([]byte(metaWaiting))
	if err := s.db.Write(batch, nil); err != nil {
		return "", err
	}
	return w, nil
}

func (s *Store) meta(key string) (string, bool) {
	b, err := s.db.Get([]byte(key), nil)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

// RAMSize returns the bytes held by the in-memory front.
func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

// Cache is one cache generation.
type Cache struct {
	store   *Store
	version string
}

func (c *Cache) Version() string { return c.version }

func entryKeyPrefix(version string) []byte {
	return []byte(entryPrefix + version + "\x00")
}

func (c *Cache) diskKey(url string) []byte {
	return append(entryKeyPrefix(c.version), url...)
}

func (c *Cache) ramKey(url string) string {
	return c.version + "\x00" + url
}

// Put stores ent under url, replacing any previous entry.
func (c *Cache) Put(url string, ent CachedEntry) error {
	ent.URL = url
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.store.Has(c.version) {
		return fmt.Errorf("put %s: %w: %s", url, ErrVersionDeleted, c.version)
	}
	if err := c.store.db.Put(c.diskKey(url), b, nil); err != nil {
		return err
	}
	c.store.ram.Put(c.ramKey(url), ent, int64(len(b)))
	return nil
}

// Match returns the entry stored for url.
func (c *Cache) Match(url string) (CachedEntry, bool) {
	if ent, ok := c.store.ram.Get(c.ramKey(url)); ok {
		return ent, true
	}
	b, err := c.store.db.Get(c.diskKey(url), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.store.log.Warn("cache read failed", zap.String("version", c.version), zap.String("url", url), zap.Error(err))
		}
		return CachedEntry{}, false
	}
	var ent CachedEntry
	if err := decodeGob(b, &ent); err != nil {
		c.store.log.Warn("cache entry corrupt", zap.String("url", url), zap.Error(err))
		return CachedEntry{}, false
	}
	c.store.ram.Put(c.ramKey(url), ent, int64(len(b)))
	return ent, true
}

func (c *Cache) Delete(url string) error {
	c.store.ram.Delete(c.ramKey(url))
	return c.store.db.Delete(c.diskKey(url), nil)
}

// URLs lists the cached URLs, sorted.
func (c *Cache) URLs() ([]string, error) {
	prefix := entryKeyPrefix(c.version)
	it := c.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CachedEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes    int64
	overflowLog *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, overflowLog: overflowLog, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CachedEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

// Put keeps ent in memory. Entries larger than the whole budget are served
// from disk only.
func (c *ramCache) Put(key string, ent CachedEntry, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}

	if c.total > c.maxBytes {
		c.overflowLog.Warn("RAM cache over budget, evicting", zap.Int64("bytes", c.total), zap.Int64("max", c.maxBytes))
		for c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
			c.evictLocked()
		}
	}
}

// evictLocked drops the least recently used tenth of the items.
func (c *ramCache) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && c.tail != nil; i++ {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

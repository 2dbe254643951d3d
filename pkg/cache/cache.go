package cache

import (
	"container/list"
	"fmt"
	"runtime"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/incstore/pkg/bucket"
	"github.com/KevoDB/incstore/pkg/common/log"
	"github.com/KevoDB/incstore/pkg/stats"
)

// MinCapacity is the smallest number of buckets kept in memory. A write
// that splits a bucket holds both halves at once.
const MinCapacity = 2

// DecodeFunc turns a page payload into a bucket
type DecodeFunc func(payload []byte) (*bucket.Bucket, error)

// Statistics describes the cache state
type Statistics struct {
	Capacity  int
	Resident  int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Reads     uint64
	Writes    uint64
	Evictions uint64
}

// entry is the value of an lru element
type entry struct {
	id     uint32
	bucket *bucket.Bucket
}

// BucketCache keeps recently used buckets in memory and writes modified
// ones back to the bucket file. It is not safe for concurrent use; the
// store serializes access.
type BucketCache struct {
	file     BucketFile
	decode   DecodeFunc
	logger   log.Logger
	stats    stats.Collector
	capacity int

	entries map[uint32]*list.Element
	lru     *list.List // most recently used at the front
	dirty   *btree.BTreeG[uint32]

	counters Statistics
}

// Option configures a BucketCache
type Option func(*BucketCache)

// WithLogger sets the logger used for eviction and flush messages
func WithLogger(logger log.Logger) Option {
	return func(c *BucketCache) {
		c.logger = logger
	}
}

// WithStats reports page reads, writes and evictions to a collector
func WithStats(collector stats.Collector) Option {
	return func(c *BucketCache) {
		c.stats = collector
	}
}

// New creates a cache of up to capacity buckets over file
func New(file BucketFile, capacity int, decode DecodeFunc, opts ...Option) *BucketCache {
	c := &BucketCache{
		file:     file,
		decode:   decode,
		logger:   log.NewNopLogger(),
		stats:    stats.NewAtomicCollector(),
		capacity: max(capacity, MinCapacity),
		entries:  make(map[uint32]*list.Element),
		lru:      list.New(),
		dirty:    btree.NewOrderedG[uint32](8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns bucket id, reading it from the file when it is not resident
func (c *BucketCache) Get(id uint32) (*bucket.Bucket, error) {
	if elem, ok := c.entries[id]; ok {
		c.counters.Hits++
		c.lru.MoveToFront(elem)
		return elem.Value.(*entry).bucket, nil
	}
	c.counters.Misses++

	start := time.Now()
	payload, err := c.file.ReadPage(id)
	if err != nil {
		c.stats.TrackError("fetch_error")
		return nil, err
	}
	c.counters.Reads++
	c.stats.TrackOperationWithLatency(stats.OpFetch, uint64(time.Since(start).Nanoseconds()))
	c.stats.TrackBytes(false, uint64(len(payload)))

	b, err := c.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("bucket %d: %w", id, err)
	}
	if err := c.insert(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Put adds a new bucket to the cache. The bucket is marked dirty so it is
// written on the next flush or eviction.
func (c *BucketCache) Put(id uint32, b *bucket.Bucket) error {
	if elem, ok := c.entries[id]; ok {
		elem.Value.(*entry).bucket = b
		c.lru.MoveToFront(elem)
	} else if err := c.insert(id, b); err != nil {
		return err
	}
	c.dirty.ReplaceOrInsert(id)
	return nil
}

// SetDirty marks a resident bucket as modified
func (c *BucketCache) SetDirty(id uint32) {
	if _, ok := c.entries[id]; ok {
		c.dirty.ReplaceOrInsert(id)
	}
}

// IsDirty reports whether bucket id has unwritten changes
func (c *BucketCache) IsDirty(id uint32) bool {
	return c.dirty.Has(id)
}

// Flush writes all dirty buckets in ascending id order and syncs the file.
// Bucket records are encoded in parallel.
func (c *BucketCache) Flush() error {
	ids := make([]uint32, 0, c.dirty.Len())
	c.dirty.Ascend(func(id uint32) bool {
		ids = append(ids, id)
		return true
	})

	records := make([][]byte, len(ids))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		i, id := i, id
		b := c.entries[id].Value.(*entry).bucket
		g.Go(func() error {
			data, err := b.MarshalBinary()
			if err != nil {
				return fmt.Errorf("bucket %d: %w", id, err)
			}
			records[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		if err := c.file.WritePage(id, records[i]); err != nil {
			c.stats.TrackError("flush_error")
			return err
		}
		c.counters.Writes++
		c.stats.TrackBytes(true, uint64(len(records[i])))
		c.dirty.Delete(id)
	}
	if len(ids) > 0 {
		c.logger.Debug("flushed %d buckets", len(ids))
	}
	return c.file.Sync()
}

// Clear flushes and then drops every resident bucket
func (c *BucketCache) Clear() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.entries = make(map[uint32]*list.Element)
	c.lru.Init()
	return nil
}

// Resize changes the number of buckets kept in memory, evicting the least
// recently used ones when shrinking
func (c *BucketCache) Resize(capacity int) error {
	c.capacity = max(capacity, MinCapacity)
	for len(c.entries) > c.capacity {
		if err := c.evict(); err != nil {
			return err
		}
	}
	return nil
}

// Statistics returns a snapshot of the cache counters
func (c *BucketCache) Statistics() Statistics {
	s := c.counters
	s.Capacity = c.capacity
	s.Resident = len(c.entries)
	s.Dirty = c.dirty.Len()
	return s
}

// Close flushes the cache and closes the file
func (c *BucketCache) Close() error {
	if err := c.Flush(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}

func (c *BucketCache) insert(id uint32, b *bucket.Bucket) error {
	for len(c.entries) >= c.capacity {
		if err := c.evict(); err != nil {
			return err
		}
	}
	c.entries[id] = c.lru.PushFront(&entry{id: id, bucket: b})
	return nil
}

// evict drops the least recently used bucket, writing it first when dirty
func (c *BucketCache) evict() error {
	elem := c.lru.Back()
	if elem == nil {
		return nil
	}
	n := elem.Value.(*entry)
	if c.dirty.Has(n.id) {
		data, err := n.bucket.MarshalBinary()
		if err != nil {
			return fmt.Errorf("bucket %d: %w", n.id, err)
		}
		if err := c.file.WritePage(n.id, data); err != nil {
			c.stats.TrackError("evict_error")
			return err
		}
		c.counters.Writes++
		c.stats.TrackBytes(true, uint64(len(data)))
		c.dirty.Delete(n.id)
	}
	c.lru.Remove(elem)
	delete(c.entries, n.id)
	c.counters.Evictions++
	c.stats.TrackOperation(stats.OpEvict)
	c.logger.Debug("evicted bucket %d", n.id)
	return nil
}

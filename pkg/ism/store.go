// Package ism implements the interval storage manager: a column store
// that keeps one value per run of equal rows instead of one per row.
//
// A Store owns the row to bucket index, the bucket cache and the columns.
// Rows are appended at the end of the table with AddRow and can be removed
// anywhere with RemoveRow; values are read and written through Column.
// All operations on a store and its columns are serialized by the store.
package ism

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/incstore/pkg/bucket"
	"github.com/KevoDB/incstore/pkg/cache"
	"github.com/KevoDB/incstore/pkg/codec"
	"github.com/KevoDB/incstore/pkg/common/log"
	"github.com/KevoDB/incstore/pkg/config"
	"github.com/KevoDB/incstore/pkg/index"
	"github.com/KevoDB/incstore/pkg/stats"
	"github.com/KevoDB/incstore/pkg/telemetry"
)

var (
	// ErrClosed is returned when operations are performed on a closed store
	ErrClosed = errors.New("store is closed")
	// ErrStoreExists is returned when creating a store over an existing one
	ErrStoreExists = errors.New("store already exists")
	// ErrRowOutOfRange is returned for a row at or beyond the row count
	ErrRowOutOfRange = errors.New("row out of range")
	// ErrNoSuchColumn is returned for an unknown column name
	ErrNoSuchColumn = errors.New("no such column")
	// ErrColumnExists is returned when adding a column twice
	ErrColumnExists = errors.New("column already exists")
	// ErrBucketTooSmall is returned when one row of every column does not
	// fit in an empty bucket
	ErrBucketTooSmall = errors.New("bucket size too small")
	// ErrStructural is returned when the store's structures are
	// inconsistent. The store must be closed and reopened.
	ErrStructural = errors.New("structural error")
)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(s *Store) {
		s.stats = collector
	}
}

// WithTelemetry sets the telemetry used for store metrics and spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Store) {
		s.tel = tel
	}
}

// Store is an interval store in a directory
type Store struct {
	mu sync.Mutex

	dir   string
	cfg   *config.Config
	order binary.ByteOrder

	index   *index.Index
	cache   *cache.BucketCache
	columns []*Column

	nextID   uint32
	uniqueID uint64

	logger  log.Logger
	stats   stats.Collector
	tel     telemetry.Telemetry
	metrics StoreMetrics

	closed atomic.Bool
}

func newStore(dir string, cfg *config.Config, opts []Option) *Store {
	s := &Store{
		dir:    dir,
		cfg:    cfg,
		order:  codec.ByteOrder(cfg.Canonical),
		logger: log.GetDefaultLogger(),
		stats:  stats.NewAtomicCollector(),
		tel:    telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("store", dir)
	s.metrics = NewStoreMetrics(s.tel)
	return s
}

// Create makes a new, empty store in dir. A nil cfg uses the defaults.
func Create(dir string, cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	} else {
		cfg = cfg.Snapshot()
	}
	if cfg.StoreID == "" {
		if err := cfg.AssignStoreID(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exists, err := fileExists(filepath.Join(dir, config.DefaultManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to check for manifest: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreExists, dir)
	}
	if err := cfg.SaveManifest(dir); err != nil {
		return nil, fmt.Errorf("failed to save configuration: %w", err)
	}

	s := newStore(dir, cfg, opts)
	if err := s.openBuckets(); err != nil {
		return nil, err
	}
	s.index = index.New()
	if err := s.cache.Put(0, bucket.New(cfg.BucketSize, nil, s.order)); err != nil {
		s.cache.Close()
		return nil, err
	}
	s.nextID = 1

	if err := s.flush(); err != nil {
		s.cache.Close()
		return nil, err
	}
	s.logger.Info("Created store %s (bucket size %d, %s compression)", cfg.StoreID, cfg.BucketSize, cfg.Compression)
	return s, nil
}

// Open opens an existing store in dir
func Open(dir string, opts ...Option) (*Store, error) {
	cfg, err := config.LoadConfigFromManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s := newStore(dir, cfg, opts)
	start := s.stats.StartOpen()

	sc, err := readSchema(dir)
	if err != nil {
		return nil, err
	}
	x, err := readIndex(dir, s.order)
	if err != nil {
		return nil, err
	}
	if x.NumRows() != sc.Rows {
		return nil, fmt.Errorf("%w: index holds %d rows, schema %d", ErrStructural, x.NumRows(), sc.Rows)
	}
	s.index = x
	s.nextID = sc.NextBucket
	s.uniqueID = sc.UniqueID

	for _, desc := range sc.Columns {
		c, err := codec.New(codec.Kind(desc.Kind), desc.Nelem, cfg.Canonical)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrStructural, desc.Name, err)
		}
		col := newColumn(s, desc.Name, len(s.columns), c)
		col.lastRowPut = x.NumRows()
		s.columns = append(s.columns, col)
	}

	if err := s.openBuckets(); err != nil {
		return nil, err
	}

	s.stats.FinishOpen(start, uint64(len(s.columns)), uint64(x.NumBuckets()))
	s.stats.TrackLayout(uint64(x.NumRows()), uint64(x.NumBuckets()))
	s.logger.Info("Opened store %s: %d rows, %d columns, %d buckets",
		cfg.StoreID, x.NumRows(), len(s.columns), x.NumBuckets())
	return s, nil
}

// openBuckets opens the bucket file and the cache over it
func (s *Store) openBuckets() error {
	compression, err := cache.ParseCompression(s.cfg.Compression)
	if err != nil {
		return err
	}
	file, err := cache.OpenFile(filepath.Join(s.dir, bucketFileName), s.cfg.BucketSize, compression)
	if err != nil {
		return fmt.Errorf("failed to open bucket file: %w", err)
	}
	s.cache = cache.New(file, s.cfg.CacheSize, s.decodeBucket,
		cache.WithLogger(s.logger.WithField("component", "cache")),
		cache.WithStats(s.stats),
	)
	return nil
}

// decodeBucket reads a bucket record using the current column layout
func (s *Store) decodeBucket(payload []byte) (*bucket.Bucket, error) {
	return bucket.Unmarshal(payload, s.cfg.BucketSize, s.sizers(), s.order)
}

func (s *Store) sizers() []bucket.Sizer {
	sizers := make([]bucket.Sizer, len(s.columns))
	for i, c := range s.columns {
		sizers[i] = c.codec
	}
	return sizers
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Dir returns the store directory
func (s *Store) Dir() string { return s.dir }

// Config returns a copy of the store configuration
func (s *Store) Config() *config.Config { return s.cfg.Snapshot() }

// Stats returns the statistics collector of the store
func (s *Store) Stats() stats.Collector { return s.stats }

// NumRows returns the number of rows in the table
func (s *Store) NumRows() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.NumRows()
}

// Column returns the column with the given name
func (s *Store) Column(name string) (*Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c := s.column(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchColumn, name)
	}
	return c, nil
}

func (s *Store) column(name string) *Column {
	for _, c := range s.columns {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Columns returns the column names in storage order
func (s *Store) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.name
	}
	return names
}

// AddColumn adds a column of nelem elements of kind. Every existing row
// gets the column's zero value.
func (s *Store) AddColumn(name string, kind codec.Kind, nelem int, opts ...ColumnOption) (*Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty column name", ErrNoSuchColumn)
	}
	if s.column(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrColumnExists, name)
	}

	c, err := codec.New(kind, nelem, s.cfg.Canonical)
	if err != nil {
		return nil, err
	}
	zero, err := c.Encode(c.Zero())
	if err != nil {
		return nil, err
	}
	if s.cfg.CheckBucketSize {
		if err := s.checkBucketSize(len(zero)); err != nil {
			return nil, err
		}
	}

	// check every bucket first so a full one leaves the store unchanged
	entries := s.index.Entries()
	for _, e := range entries {
		b, err := s.cache.Get(e.ID)
		if err != nil {
			return nil, err
		}
		if !b.CanAddColumn(len(zero)) {
			return nil, fmt.Errorf("%w: bucket %d has %d bytes free", ErrBucketTooSmall, e.ID, b.FreeSpace())
		}
	}
	for _, e := range entries {
		b, err := s.cache.Get(e.ID)
		if err != nil {
			return nil, err
		}
		if err := b.AddColumn(c, zero); err != nil {
			return nil, fmt.Errorf("%w: bucket %d: %v", ErrStructural, e.ID, err)
		}
		s.markDirty(e.ID)
	}

	col := newColumn(s, name, len(s.columns), c, opts...)
	col.lastRowPut = s.index.NumRows()
	s.columns = append(s.columns, col)

	s.stats.TrackOperation(stats.OpAddColumn)
	s.logger.Info("Added column %s (%s[%d])", name, kind, nelem)
	return col, nil
}

// checkBucketSize verifies that one interval of every column fits in an
// empty bucket. Variable length columns count with the size of their zero
// value.
func (s *Store) checkBucketSize(newLen int) error {
	need := 4 + 8 + newLen
	for _, c := range s.columns {
		n := c.codec.FixedLength()
		if n == 0 {
			zero, err := c.codec.Encode(c.codec.Zero())
			if err != nil {
				return err
			}
			n = len(zero)
		}
		need += 4 + 8 + n
	}
	if need > s.cfg.BucketSize {
		return fmt.Errorf("%w: %d bytes needed, bucket holds %d", ErrBucketTooSmall, need, s.cfg.BucketSize)
	}
	return nil
}

// RemoveColumn drops a column and all of its values
func (s *Store) RemoveColumn(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	col := s.column(name)
	if col == nil {
		return fmt.Errorf("%w: %q", ErrNoSuchColumn, name)
	}

	for _, e := range s.index.Entries() {
		b, err := s.cache.Get(e.ID)
		if err != nil {
			return err
		}
		if err := b.RemoveColumn(col.col); err != nil {
			return fmt.Errorf("%w: bucket %d: %v", ErrStructural, e.ID, err)
		}
		s.markDirty(e.ID)
	}

	s.columns = append(s.columns[:col.col], s.columns[col.col+1:]...)
	for i, c := range s.columns {
		c.col = i
	}
	col.store = nil

	s.stats.TrackOperation(stats.OpRemoveColumn)
	s.logger.Info("Removed column %s", name)
	return nil
}

// AddRow appends n rows. The new rows take the values of the last row.
func (s *Store) AddRow(n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	s.index.AddRow(n)
	for _, c := range s.columns {
		c.invalidate()
	}

	s.stats.TrackOperation(stats.OpAddRow)
	s.stats.TrackLayout(uint64(s.index.NumRows()), uint64(s.index.NumBuckets()))
	s.metrics.RecordRows(context.Background(), "add", int64(n))
	return nil
}

// RemoveRow deletes a row from every column. Later rows move up by one.
func (s *Store) RemoveRow(row uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if row >= s.index.NumRows() {
		return fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, row, s.index.NumRows())
	}

	start := time.Now()
	e, b, err := s.bucketFor(row)
	if err != nil {
		s.stats.TrackError("remove_error")
		return err
	}
	for _, c := range s.columns {
		if err := c.remove(b, e, row); err != nil {
			s.stats.TrackError("remove_error")
			return err
		}
	}
	s.markDirty(e.ID)
	buckets := s.index.NumBuckets()
	s.index.RemoveRow(row)
	if s.index.NumBuckets() < buckets {
		s.logger.Debug("Bucket %d left without rows, dropped from index", e.ID)
	}

	s.stats.TrackOperationWithLatency(stats.OpRemove, uint64(time.Since(start).Nanoseconds()))
	s.stats.TrackLayout(uint64(s.index.NumRows()), uint64(s.index.NumBuckets()))
	s.metrics.RecordRows(context.Background(), "remove", 1)
	return nil
}

// NextUniqueID returns the next value of the store's id sequence
func (s *Store) NextUniqueID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.uniqueID
	s.uniqueID++
	return id
}

// Buckets returns the buckets of the index in row order
func (s *Store) Buckets() []index.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Entries()
}

// Validate checks the index and the interval structure of every bucket
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.index.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	for _, e := range s.index.Entries() {
		b, err := s.cache.Get(e.ID)
		if err != nil {
			return err
		}
		if b.NumColumns() != len(s.columns) {
			return fmt.Errorf("%w: bucket %d has %d columns, store %d", ErrStructural, e.ID, b.NumColumns(), len(s.columns))
		}
		if err := b.Validate(e.Rows); err != nil {
			return fmt.Errorf("%w: bucket %d: %v", ErrStructural, e.ID, err)
		}
	}
	return nil
}

// SetCacheSize changes the number of buckets kept in memory
func (s *Store) SetCacheSize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.cache.Resize(n); err != nil {
		return err
	}
	s.cfg.Update(func(cfg *config.Config) {
		cfg.CacheSize = max(n, cache.MinCapacity)
	})
	return s.cfg.SaveManifest(s.dir)
}

// ClearCache writes all modified buckets and empties the cache
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, c := range s.columns {
		c.invalidate()
	}
	return s.cache.Clear()
}

// CacheStatistics returns the bucket cache counters
func (s *Store) CacheStatistics() cache.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Statistics()
}

// Flush writes all modified buckets, the index and the schema
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.flush()
}

func (s *Store) flush() error {
	ctx, span := s.tel.StartSpan(context.Background(), "incstore.store.flush")
	defer span.End()

	start := time.Now()
	dirty := s.cache.Statistics().Dirty
	err := s.cache.Flush()
	if err == nil {
		err = writeIndex(s.dir, s.index, s.order)
	}
	if err == nil {
		err = writeSchema(s.dir, s.schema())
	}

	s.metrics.RecordFlush(ctx, time.Since(start), dirty, err)
	if err != nil {
		span.RecordError(err)
		s.stats.TrackError("flush_error")
		s.logger.Error("Flush failed: %v", err)
		return err
	}
	s.stats.TrackOperationWithLatency(stats.OpFlush, uint64(time.Since(start).Nanoseconds()))
	s.logger.Debug("Flushed %d buckets, %d rows", dirty, s.index.NumRows())
	return nil
}

func (s *Store) schema() *schema {
	sc := &schema{
		Version:    schemaVersion,
		Rows:       s.index.NumRows(),
		NextBucket: s.nextID,
		UniqueID:   s.uniqueID,
		Columns:    make([]columnDesc, len(s.columns)),
	}
	for i, c := range s.columns {
		sc.Columns[i] = columnDesc{Name: c.name, Kind: uint8(c.codec.Kind()), Nelem: c.codec.Nelem()}
	}
	return sc
}

// Close flushes the store and releases its files
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	err := s.flush()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	if merr := s.metrics.Close(); err == nil {
		err = merr
	}
	s.logger.Info("Closed store")
	return err
}

// bucketFor returns the index entry and the bucket holding row
func (s *Store) bucketFor(row uint32) (index.Entry, *bucket.Bucket, error) {
	e := s.index.BucketFor(row)
	b, err := s.cache.Get(e.ID)
	if err != nil {
		return index.Entry{}, nil, err
	}
	return e, b, nil
}

// nextBucket advances a cursor and returns the next bucket
func (s *Store) nextBucket(cur *index.Cursor) (index.Entry, *bucket.Bucket, bool, error) {
	e, ok := cur.Next()
	if !ok {
		return index.Entry{}, nil, false, nil
	}
	b, err := s.cache.Get(e.ID)
	if err != nil {
		return index.Entry{}, nil, false, err
	}
	return e, b, true, nil
}

// addBucket registers a new bucket starting at row
func (s *Store) addBucket(row uint32, b *bucket.Bucket) (uint32, error) {
	id := s.nextBucketID()
	if err := s.index.InsertBoundary(row, id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	if err := s.cache.Put(id, b); err != nil {
		return 0, err
	}
	return id, nil
}

// markDirty flags a resident bucket as modified. It must be called before
// the next cache access can evict the bucket.
func (s *Store) markDirty(id uint32) {
	s.cache.SetDirty(id)
}

func (s *Store) nextBucketID() uint32 {
	id := s.nextID
	s.nextID++
	return id
}

// splitBucket splits the bucket holding row so that a write of n bytes to
// column c at that row fits. With tail set the value runs from row to the
// end of its interval. Columns whose interval straddles the split row are
// told about the duplicated value.
func (s *Store) splitBucket(row uint32, c *Column, n int, tail bool) error {
	e, b, err := s.bucketFor(row)
	if err != nil {
		return err
	}
	res, err := b.Split(e.Rows, bucket.Pending{Col: c.col, Row: row - e.Start, Len: n, Tail: tail})
	if err != nil {
		s.stats.TrackError("split_error")
		return fmt.Errorf("%w: bucket %d of %d rows: %v", ErrStructural, e.ID, e.Rows, err)
	}
	if res.Left.Size() > b.Capacity() || res.Right.Size() > b.Capacity() {
		s.stats.TrackError("split_error")
		return fmt.Errorf("%w: bucket %d halves of %d and %d bytes exceed %d",
			ErrStructural, e.ID, res.Left.Size(), res.Right.Size(), b.Capacity())
	}

	b.Assign(res.Left)
	s.markDirty(e.ID)
	at := e.Start + res.Row
	id, err := s.addBucket(at, res.Right)
	if err != nil {
		return err
	}

	for ci, dup := range res.Duplicated {
		if !dup {
			continue
		}
		data, err := res.Right.FirstValue(ci)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStructural, err)
		}
		s.columns[ci].handler.OnDuplicated(at, data)
	}

	s.stats.TrackOperation(stats.OpSplit)
	s.stats.TrackLayout(uint64(s.index.NumRows()), uint64(s.index.NumBuckets()))
	s.metrics.RecordSplit(context.Background(), c.name, e.ID, res.Left.Size(), res.Right.Size())
	s.logger.Debug("Split bucket %d at row %d into bucket %d (%d + %d bytes)",
		e.ID, at, id, res.Left.Size(), res.Right.Size())
	return nil
}

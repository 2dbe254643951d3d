package ism

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/incstore/pkg/codec"
	"github.com/KevoDB/incstore/pkg/common/log"
	"github.com/KevoDB/incstore/pkg/config"
	"github.com/KevoDB/incstore/pkg/stats"
	"github.com/KevoDB/incstore/pkg/telemetry"
)

func testConfig(bucketSize int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BucketSize = bucketSize
	cfg.CacheSize = 4
	return cfg
}

func createStore(t *testing.T, dir string, bucketSize int, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewNopLogger())}, opts...)
	s, err := Create(dir, testConfig(bucketSize), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fill appends len(values) rows and writes them in ascending order
func fill(t *testing.T, s *Store, c *Column, values []any) {
	t.Helper()
	first := s.NumRows()
	require.NoError(t, s.AddRow(uint32(len(values))))
	for i, v := range values {
		require.NoError(t, c.Put(first+uint32(i), v))
	}
}

func requireRows(t *testing.T, c *Column, values []any) {
	t.Helper()
	for r, want := range values {
		got, err := c.Get(uint32(r))
		require.NoError(t, err, "row %d", r)
		require.Equal(t, want, got, "row %d", r)
	}
}

func TestCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig(256), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	ints, err := s.AddColumn("counter", codec.KindInt64, 1)
	require.NoError(t, err)
	names, err := s.AddColumn("name", codec.KindString, 1)
	require.NoError(t, err)
	vecs, err := s.AddColumn("position", codec.KindFloat64, 3)
	require.NoError(t, err)

	intVals := make([]any, 50)
	nameVals := make([]any, 50)
	vecVals := make([]any, 50)
	for i := range intVals {
		intVals[i] = int64(i / 4)
		nameVals[i] = []string{"north", "east", "south"}[i/20]
		vecVals[i] = []float64{float64(i / 10), 0, -1}
	}
	fill(t, s, ints, intVals)
	for i := range nameVals {
		require.NoError(t, names.Put(uint32(i), nameVals[i]))
		require.NoError(t, vecs.Put(uint32(i), vecVals[i]))
	}
	assert.Equal(t, uint64(0), s.NextUniqueID())
	assert.Equal(t, uint64(1), s.NextUniqueID())
	require.NoError(t, s.Validate())
	require.NoError(t, s.Close())

	for _, name := range []string{config.DefaultManifestFileName, schemaFileName, indexFileName, bucketFileName} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	s, err = Open(dir, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint32(50), s.NumRows())
	assert.Equal(t, []string{"counter", "name", "position"}, s.Columns())
	assert.Equal(t, uint64(2), s.NextUniqueID())
	require.NoError(t, s.Validate())

	ints, err = s.Column("counter")
	require.NoError(t, err)
	names, err = s.Column("name")
	require.NoError(t, err)
	vecs, err = s.Column("position")
	require.NoError(t, err)
	assert.Equal(t, codec.KindFloat64, vecs.Kind())
	assert.Equal(t, 3, vecs.Nelem())

	requireRows(t, ints, intVals)
	requireRows(t, names, nameVals)
	requireRows(t, vecs, vecVals)

	n, err := names.IntervalCount()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}

func TestCreateRejectsExistingStore(t *testing.T) {
	dir := t.TempDir()
	createStore(t, dir, 256)

	_, err := Create(dir, testConfig(256))
	assert.ErrorIs(t, err, ErrStoreExists)
}

func TestOpenMissingStore(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, config.ErrManifestNotFound)
}

func TestOpenDetectsCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig(256), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, s.AddRow(10))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, indexFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-9] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(dir, WithLogger(log.NewNopLogger()))
	assert.Error(t, err)
}

func TestAddColumnToFilledStore(t *testing.T) {
	s := createStore(t, t.TempDir(), 256)
	a, err := s.AddColumn("a", codec.KindInt32, 1)
	require.NoError(t, err)

	values := make([]any, 40)
	for i := range values {
		values[i] = int32(i / 10)
	}
	fill(t, s, a, values)

	b, err := s.AddColumn("b", codec.KindFloat64, 2)
	require.NoError(t, err)
	for r := uint32(0); r < 40; r++ {
		v, err := b.Get(r)
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 0}, v)
	}
	require.NoError(t, b.Put(12, []float64{1, 2}))
	requireRows(t, a, values)
	require.NoError(t, s.Validate())
}

func TestAddColumnToFullBuckets(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	a, err := s.AddColumn("a", codec.KindInt32, 1)
	require.NoError(t, err)

	values := make([]any, 40)
	for i := range values {
		values[i] = int32(i)
	}
	fill(t, s, a, values)
	require.Greater(t, len(s.Buckets()), 1)

	// the first bucket was split when it could not take another interval
	_, err = s.AddColumn("wide", codec.KindFloat64, 8)
	assert.ErrorIs(t, err, ErrBucketTooSmall)
	assert.Equal(t, []string{"a"}, s.Columns())
	requireRows(t, a, values)
	require.NoError(t, s.Validate())
}

func TestAddColumnErrors(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	_, err := s.AddColumn("a", codec.KindInt64, 1)
	require.NoError(t, err)

	_, err = s.AddColumn("a", codec.KindInt64, 1)
	assert.ErrorIs(t, err, ErrColumnExists)

	_, err = s.AddColumn("big", codec.KindFloat64, 16)
	assert.ErrorIs(t, err, ErrBucketTooSmall)

	_, err = s.AddColumn("bad", codec.Kind(0), 1)
	assert.ErrorIs(t, err, codec.ErrUnsupportedKind)

	_, err = s.Column("missing")
	assert.ErrorIs(t, err, ErrNoSuchColumn)
}

func TestRemoveColumn(t *testing.T) {
	s := createStore(t, t.TempDir(), 256)
	a, err := s.AddColumn("a", codec.KindInt64, 1)
	require.NoError(t, err)
	b, err := s.AddColumn("b", codec.KindString, 1)
	require.NoError(t, err)

	values := make([]any, 30)
	for i := range values {
		values[i] = int64(i % 7)
	}
	fill(t, s, a, values)
	require.NoError(t, b.Put(3, "x"))
	require.NoError(t, b.Put(4, ""))

	require.NoError(t, s.RemoveColumn("a"))
	assert.Equal(t, []string{"b"}, s.Columns())
	require.NoError(t, s.Validate())

	_, err = a.Get(0)
	assert.ErrorIs(t, err, ErrNoSuchColumn)
	assert.ErrorIs(t, s.RemoveColumn("a"), ErrNoSuchColumn)

	v, err := b.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	v, err = b.Get(4)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestAddAndRemoveRows(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)

	values := make([]any, 30)
	for i := range values {
		values[i] = int64(100 + i)
	}
	fill(t, s, c, values)

	require.NoError(t, s.RemoveRow(4))
	assert.Equal(t, uint32(29), s.NumRows())
	want := append(append([]any{}, values[:4]...), values[5:]...)
	requireRows(t, c, want)

	require.NoError(t, s.AddRow(3))
	assert.Equal(t, uint32(32), s.NumRows())
	for _, r := range []uint32{29, 30, 31} {
		v, err := c.Get(r)
		require.NoError(t, err)
		assert.Equal(t, int64(129), v)
	}
	requireRows(t, c, want)
	require.NoError(t, s.Validate())

	assert.ErrorIs(t, s.RemoveRow(32), ErrRowOutOfRange)
}

func TestRemoveEmptiesBucket(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)

	values := make([]any, 40)
	for i := range values {
		values[i] = int64(i)
	}
	fill(t, s, c, values)

	buckets := s.Buckets()
	require.Greater(t, len(buckets), 2)
	second := buckets[1]
	for i := uint32(0); i < second.Rows; i++ {
		require.NoError(t, s.RemoveRow(second.Start))
	}

	assert.Len(t, s.Buckets(), len(buckets)-1)
	require.NoError(t, s.Validate())
	want := append(append([]any{}, values[:second.Start]...), values[second.Start+second.Rows:]...)
	requireRows(t, c, want)

	// the emptied page keeps its id; new buckets never reuse it
	for _, e := range s.Buckets() {
		assert.NotEqual(t, second.ID, e.ID)
	}
}

func TestBucketSplitStress(t *testing.T) {
	dir := t.TempDir()
	s := createStore(t, dir, 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)
	names, err := s.AddColumn("s", codec.KindString, 1)
	require.NoError(t, err)

	const n = 300
	values := make([]any, n)
	for i := range values {
		values[i] = int64(i * 3)
	}
	fill(t, s, c, values)

	labels := make([]any, n)
	for i := range labels {
		labels[i] = strings.Repeat("x", i%5)
		require.NoError(t, names.Put(uint32(i), labels[i]))
	}

	requireRows(t, c, values)
	requireRows(t, names, labels)
	require.NoError(t, s.Validate())

	buckets := s.Buckets()
	require.Greater(t, len(buckets), 10)
	assert.Equal(t, uint32(0), buckets[0].Start)
	for i := 1; i < len(buckets); i++ {
		assert.Equal(t, buckets[i-1].Start+buckets[i-1].Rows, buckets[i].Start)
		assert.Greater(t, buckets[i].Rows, uint32(0))
	}
	last := buckets[len(buckets)-1]
	assert.Equal(t, uint32(n), last.Start+last.Rows)

	require.NoError(t, s.Close())
	s, err = Open(dir, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SetCacheSize(2))
	c, err = s.Column("v")
	require.NoError(t, err)
	requireRows(t, c, values)
	assert.Equal(t, 2, s.CacheStatistics().Capacity)
}

func TestInteriorWritesSplitBuckets(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)

	const n = 120
	values := make([]any, n)
	for i := range values {
		values[i] = int64(7)
	}
	fill(t, s, c, values)

	count, err := c.IntervalCount()
	require.NoError(t, err)
	assert.Equal(t, len(s.Buckets()), count)

	// every even row gets its own value inside the long run of sevens
	for r := 2; r < n; r += 4 {
		values[r] = int64(r)
		require.NoError(t, c.Put(uint32(r), values[r]))
	}
	requireRows(t, c, values)
	require.NoError(t, s.Validate())
	assert.Greater(t, len(s.Buckets()), 1)
}

func TestInteriorWriteNearCapacity(t *testing.T) {
	s := createStore(t, t.TempDir(), 160)
	a, err := s.AddColumn("a", codec.KindString, 1)
	require.NoError(t, err)
	b, err := s.AddColumn("b", codec.KindString, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddRow(7))

	x, y := strings.Repeat("x", 25), strings.Repeat("y", 22)
	z, w := strings.Repeat("z", 20), strings.Repeat("w", 24)
	require.NoError(t, a.Put(0, x))
	require.NoError(t, a.Put(1, y))
	require.NoError(t, a.Put(6, y))
	require.NoError(t, b.Put(0, z))
	require.NoError(t, b.Put(6, w))
	require.Len(t, s.Buckets(), 1)

	// row 3 sits inside a's run of y with too little room left for two
	// more intervals
	v := strings.Repeat("v", 25)
	require.NoError(t, a.Put(3, v))
	require.Len(t, s.Buckets(), 2)

	requireRows(t, a, []any{x, y, y, v, y, y, y})
	requireRows(t, b, []any{z, z, z, z, z, z, w})
	require.NoError(t, s.Validate())
}

// columnModel mirrors one string column as a plain slice
type columnModel struct {
	c       *Column
	rows    []any
	lastPut int
}

func (m *columnModel) put(row int, v string) {
	if row >= m.lastPut {
		for r := row; r < len(m.rows); r++ {
			m.rows[r] = v
		}
		m.lastPut = row + 1
		return
	}
	m.rows[row] = v
}

func (m *columnModel) removeRow(row int) {
	m.rows = slices.Delete(m.rows, row, row+1)
	if row < m.lastPut {
		m.lastPut--
	}
}

func (m *columnModel) addRows(n int) {
	last := any("")
	if len(m.rows) > 0 {
		last = m.rows[len(m.rows)-1]
	}
	for i := 0; i < n; i++ {
		m.rows = append(m.rows, last)
	}
}

func TestVariableLengthWritesMatchModel(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(160)
			cfg.CacheSize = 2
			s, err := Create(dir, cfg, WithLogger(log.NewNopLogger()))
			require.NoError(t, err)
			defer func() { s.Close() }()

			models := make([]*columnModel, 2)
			for i := range models {
				c, err := s.AddColumn(fmt.Sprintf("c%d", i), codec.KindString, 1)
				require.NoError(t, err)
				models[i] = &columnModel{c: c}
			}

			rng := rand.New(rand.NewSource(seed))
			// values from 4 to 30 encoded bytes; a small pool makes
			// neighbours equal often enough to merge
			pool := make([]string, 8)
			for i := range pool {
				pool[i] = strings.Repeat(string(rune('a'+i)), rng.Intn(27))
			}

			addRows := func(n int) {
				require.NoError(t, s.AddRow(uint32(n)))
				for _, m := range models {
					m.addRows(n)
				}
			}
			addRows(12)

			for op := 0; op < 600; op++ {
				n := int(s.NumRows())
				switch k := rng.Intn(20); {
				case k < 14:
					m := models[rng.Intn(len(models))]
					row := rng.Intn(n)
					v := pool[rng.Intn(len(pool))]
					require.NoError(t, m.c.Put(uint32(row), v), "op %d: put %d", op, row)
					m.put(row, v)
				case k < 17 && n > 1:
					row := rng.Intn(n)
					require.NoError(t, s.RemoveRow(uint32(row)), "op %d: remove %d", op, row)
					for _, m := range models {
						m.removeRow(row)
					}
				default:
					addRows(1 + rng.Intn(3))
				}

				if op%50 == 49 {
					for _, m := range models {
						requireRows(t, m.c, m.rows)
					}
				}
			}
			require.NoError(t, s.Validate())
			for _, m := range models {
				requireRows(t, m.c, m.rows)
			}

			require.NoError(t, s.Close())
			s, err = Open(dir, WithLogger(log.NewNopLogger()))
			require.NoError(t, err)
			require.NoError(t, s.Validate())
			for i, m := range models {
				c, err := s.Column(fmt.Sprintf("c%d", i))
				require.NoError(t, err)
				requireRows(t, c, m.rows)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	s := createStore(t, t.TempDir(), 256)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddRow(1))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = c.Get(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Put(0, int64(1)), ErrClosed)
	assert.ErrorIs(t, s.AddRow(1), ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
	_, err = s.AddColumn("w", codec.KindInt64, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCacheControl(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)
	values := make([]any, 60)
	for i := range values {
		values[i] = int64(i)
	}
	fill(t, s, c, values)

	require.NoError(t, s.ClearCache())
	st := s.CacheStatistics()
	assert.Equal(t, 0, st.Resident)
	assert.Equal(t, 0, st.Dirty)

	requireRows(t, c, values)
	assert.Greater(t, s.CacheStatistics().Misses, uint64(0))

	require.NoError(t, s.SetCacheSize(8))
	assert.Equal(t, 8, s.Config().CacheSize)
}

func TestStatsAndTelemetry(t *testing.T) {
	var out bytes.Buffer
	tcfg := telemetry.DefaultConfig()
	tcfg.Enabled = true
	tcfg.Output = &out
	tel, err := telemetry.New(tcfg)
	require.NoError(t, err)

	collector := stats.NewAtomicCollector()
	s := createStore(t, t.TempDir(), 128, WithStats(collector), WithTelemetry(tel))
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)

	values := make([]any, 40)
	for i := range values {
		values[i] = int64(i)
	}
	fill(t, s, c, values)
	requireRows(t, c, values)
	require.NoError(t, s.Flush())

	got := collector.GetStats()
	assert.Equal(t, uint64(40), got["put_ops"])
	assert.Equal(t, uint64(40), got["get_ops"])
	assert.NotZero(t, got["split_ops"])
	assert.Equal(t, uint64(40), got["rows"])

	require.NoError(t, s.Close())
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "incstore.column.put.duration")
	assert.Contains(t, out.String(), "incstore.bucket.split.total")
}

package main

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/KevoDB/incstore/pkg/codec"
	"github.com/KevoDB/incstore/pkg/config"
	"github.com/KevoDB/incstore/pkg/ism"
)

var errNoStore = errors.New("no store open")

// shell executes interactive commands against at most one open store
type shell struct {
	out   io.Writer
	cfg   *config.Config
	opts  []ism.Option
	store *ism.Store
	path  string
}

func newShell(out io.Writer, cfg *config.Config, opts ...ism.Option) *shell {
	return &shell{out: out, cfg: cfg, opts: opts}
}

func (sh *shell) prompt() string {
	if sh.store != nil {
		return fmt.Sprintf("incstore:%s> ", sh.path)
	}
	return "incstore> "
}

func (sh *shell) open(path string) error {
	sh.close()
	s, err := ism.Open(path, sh.opts...)
	if err != nil {
		return err
	}
	sh.store, sh.path = s, path
	return nil
}

func (sh *shell) create(path string) error {
	sh.close()
	s, err := ism.Create(path, sh.cfg, sh.opts...)
	if err != nil {
		return err
	}
	sh.store, sh.path = s, path
	return nil
}

func (sh *shell) close() error {
	if sh.store == nil {
		return nil
	}
	err := sh.store.Close()
	sh.store, sh.path = nil, ""
	return err
}

func (sh *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(sh.out, format, args...)
}

// exec runs one command line and reports whether the shell should exit
func (sh *shell) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return sh.dot(strings.ToLower(cmd), parts[1:])
	}

	var err error
	switch cmd {
	case "ADDCOL":
		err = sh.addColumn(parts[1:])
	case "DROPCOL":
		err = sh.dropColumn(parts[1:])
	case "COLUMNS":
		err = sh.columns()
	case "ADDROW":
		err = sh.addRow(parts[1:])
	case "REMOVEROW":
		err = sh.removeRow(parts[1:])
	case "ROWS":
		err = sh.rows()
	case "PUT":
		err = sh.put(parts[1:], line)
	case "GET":
		err = sh.get(parts[1:])
	case "SCAN":
		err = sh.scan(parts[1:])
	case "BUCKETS":
		err = sh.buckets()
	default:
		sh.printf("Unknown command: %s\n", cmd)
		return false
	}
	if err != nil {
		sh.printf("Error: %s\n", err)
	}
	return false
}

func (sh *shell) dot(cmd string, args []string) bool {
	var err error
	switch cmd {
	case ".help":
		sh.printf("%s", helpText)

	case ".open", ".create":
		if len(args) < 1 {
			sh.printf("Error: Missing path argument\n")
			return false
		}
		if cmd == ".open" {
			err = sh.open(args[0])
		} else {
			err = sh.create(args[0])
		}
		if err == nil {
			sh.printf("Store opened at %s\n", args[0])
		}

	case ".close":
		if sh.store == nil {
			sh.printf("No store open\n")
			return false
		}
		path := sh.path
		if err = sh.close(); err == nil {
			sh.printf("Store %s closed\n", path)
		}

	case ".exit":
		if err := sh.close(); err != nil {
			sh.printf("Error closing store: %s\n", err)
		}
		sh.printf("Goodbye!\n")
		return true

	case ".stats":
		err = sh.stats()

	case ".flush":
		if sh.store == nil {
			err = errNoStore
		} else if err = sh.store.Flush(); err == nil {
			sh.printf("Buckets flushed to disk\n")
		}

	case ".cache":
		err = sh.cache(args)

	case ".clear":
		if sh.store == nil {
			err = errNoStore
		} else if err = sh.store.ClearCache(); err == nil {
			sh.printf("Cache cleared\n")
		}

	case ".validate":
		if sh.store == nil {
			err = errNoStore
		} else if err = sh.store.Validate(); err == nil {
			sh.printf("OK\n")
		}

	default:
		sh.printf("Unknown command: %s\n", cmd)
	}

	if err != nil {
		sh.printf("Error: %s\n", err)
	}
	return false
}

func (sh *shell) addColumn(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 2 {
		return errors.New("ADDCOL requires name and kind arguments")
	}
	kind, err := codec.ParseKind(args[1])
	if err != nil {
		return err
	}
	nelem := 1
	if len(args) > 2 {
		if nelem, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid element count %q", args[2])
		}
	}
	if _, err := sh.store.AddColumn(args[0], kind, nelem); err != nil {
		return err
	}
	sh.printf("Column %s added\n", args[0])
	return nil
}

func (sh *shell) dropColumn(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 1 {
		return errors.New("DROPCOL requires a column name")
	}
	if err := sh.store.RemoveColumn(args[0]); err != nil {
		return err
	}
	sh.printf("Column %s removed\n", args[0])
	return nil
}

func (sh *shell) columns() error {
	if sh.store == nil {
		return errNoStore
	}
	for _, name := range sh.store.Columns() {
		c, err := sh.store.Column(name)
		if err != nil {
			return err
		}
		runs, err := c.IntervalCount()
		if err != nil {
			return err
		}
		sh.printf("%s\t%s[%d]\t%d intervals\n", name, c.Kind(), c.Nelem(), runs)
	}
	return nil
}

func (sh *shell) addRow(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	n := uint64(1)
	if len(args) > 0 {
		var err error
		if n, err = strconv.ParseUint(args[0], 10, 32); err != nil {
			return fmt.Errorf("invalid row count %q", args[0])
		}
	}
	if err := sh.store.AddRow(uint32(n)); err != nil {
		return err
	}
	sh.printf("%d rows\n", sh.store.NumRows())
	return nil
}

func (sh *shell) removeRow(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 1 {
		return errors.New("REMOVEROW requires a row argument")
	}
	row, err := parseRow(args[0])
	if err != nil {
		return err
	}
	if err := sh.store.RemoveRow(row); err != nil {
		return err
	}
	sh.printf("%d rows\n", sh.store.NumRows())
	return nil
}

func (sh *shell) rows() error {
	if sh.store == nil {
		return errNoStore
	}
	sh.printf("%d\n", sh.store.NumRows())
	return nil
}

func (sh *shell) put(args []string, line string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 3 {
		return errors.New("PUT requires column, row and value arguments")
	}
	c, err := sh.store.Column(args[0])
	if err != nil {
		return err
	}
	row, err := parseRow(args[1])
	if err != nil {
		return err
	}

	// the value is the rest of the line, spaces included
	text := line
	for i := 0; i < 3; i++ {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		text = strings.TrimLeftFunc(text, func(r rune) bool { return !unicode.IsSpace(r) })
	}
	text = strings.TrimSpace(text)

	v, err := c.Parse(text)
	if err != nil {
		return err
	}
	if err := c.Put(row, v); err != nil {
		return err
	}
	sh.printf("OK\n")
	return nil
}

func (sh *shell) get(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 2 {
		return errors.New("GET requires column and row arguments")
	}
	c, err := sh.store.Column(args[0])
	if err != nil {
		return err
	}
	row, err := parseRow(args[1])
	if err != nil {
		return err
	}
	v, err := c.Get(row)
	if err != nil {
		return err
	}
	sh.printf("%s\n", formatValue(v))
	return nil
}

// scan prints each run of equal values as a row range
func (sh *shell) scan(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) < 1 {
		return errors.New("SCAN requires a column name")
	}
	c, err := sh.store.Column(args[0])
	if err != nil {
		return err
	}

	from, to := uint32(0), sh.store.NumRows()
	if len(args) > 1 {
		if from, err = parseRow(args[1]); err != nil {
			return err
		}
	}
	if len(args) > 2 {
		if to, err = parseRow(args[2]); err != nil {
			return err
		}
	}
	if n := sh.store.NumRows(); to > n {
		to = n
	}

	var (
		start   = from
		current string
	)
	for row := from; row < to; row++ {
		v, err := c.Get(row)
		if err != nil {
			return err
		}
		text := formatValue(v)
		if row > from && text != current {
			sh.printRun(start, row, current)
			start = row
		}
		current = text
	}
	if to > from {
		sh.printRun(start, to, current)
	}
	return nil
}

func (sh *shell) printRun(start, end uint32, value string) {
	if end-start == 1 {
		sh.printf("%d: %s\n", start, value)
		return
	}
	sh.printf("%d-%d: %s\n", start, end-1, value)
}

func (sh *shell) buckets() error {
	if sh.store == nil {
		return errNoStore
	}
	for _, e := range sh.store.Buckets() {
		sh.printf("bucket %d\trows %d-%d\n", e.ID, e.Start, e.Start+e.Rows)
	}
	return nil
}

func (sh *shell) cache(args []string) error {
	if sh.store == nil {
		return errNoStore
	}
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid cache size %q", args[0])
		}
		if err := sh.store.SetCacheSize(n); err != nil {
			return err
		}
	}

	st := sh.store.CacheStatistics()
	sh.printf("Capacity: %d buckets\n", st.Capacity)
	sh.printf("Resident: %d (%d dirty)\n", st.Resident, st.Dirty)
	sh.printf("Hits: %d, Misses: %d\n", st.Hits, st.Misses)
	sh.printf("Reads: %d, Writes: %d, Evictions: %d\n", st.Reads, st.Writes, st.Evictions)
	return nil
}

func (sh *shell) stats() error {
	if sh.store == nil {
		return errNoStore
	}
	stats := sh.store.Stats().GetStats()

	// Helper function to safely get a uint64 value with default
	getUint64 := func(m map[string]interface{}, key string, defaultVal uint64) uint64 {
		if val, ok := m[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case int:
				return uint64(v)
			default:
				return defaultVal
			}
		}
		return defaultVal
	}

	sh.printf("Operations:\n")
	sh.printf("  Puts: %d\n", getUint64(stats, "put_ops", 0))
	sh.printf("  Gets: %d\n", getUint64(stats, "get_ops", 0))
	sh.printf("  Rows removed: %d\n", getUint64(stats, "remove_ops", 0))
	sh.printf("  Splits: %d\n", getUint64(stats, "split_ops", 0))
	sh.printf("  Flushes: %d\n", getUint64(stats, "flush_ops", 0))

	sh.printf("\nLayout:\n")
	sh.printf("  Rows: %d\n", getUint64(stats, "rows", 0))
	sh.printf("  Buckets: %d\n", getUint64(stats, "buckets", 0))
	sh.printf("  Columns: %d\n", len(sh.store.Columns()))

	sh.printf("\nStorage:\n")
	sh.printf("  Total Bytes Read: %d\n", getUint64(stats, "total_bytes_read", 0))
	sh.printf("  Total Bytes Written: %d\n", getUint64(stats, "total_bytes_written", 0))

	for _, op := range []string{"put", "get", "fetch"} {
		if latency, ok := stats[op+"_latency"].(map[string]interface{}); ok {
			if avgNs, ok := latency["avg_ns"].(uint64); ok {
				sh.printf("  %s avg: %.3f ms\n", strings.ToUpper(op[:1])+op[1:], float64(avgNs)/1000000.0)
			}
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		sh.printf("\nErrors:\n")
		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sh.printf("  %s: %d\n", strings.ReplaceAll(k, "_", " "), errs[k])
		}
	}
	return nil
}

func parseRow(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid row %q", s)
	}
	return uint32(n), nil
}

// formatValue prints arrays the way PUT reads them
func formatValue(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return fmt.Sprint(v)
	}
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return strings.Join(parts, ",")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/incstore/pkg/common/log"
	"github.com/KevoDB/incstore/pkg/config"
	"github.com/KevoDB/incstore/pkg/ism"
	"github.com/KevoDB/incstore/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".create"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".cache"),
	readline.PcItem(".clear"),
	readline.PcItem(".validate"),
	readline.PcItem("ADDCOL"),
	readline.PcItem("DROPCOL"),
	readline.PcItem("COLUMNS"),
	readline.PcItem("ADDROW"),
	readline.PcItem("REMOVEROW"),
	readline.PcItem("ROWS"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("SCAN"),
	readline.PcItem("BUCKETS"),
)

const helpText = `
incstore - An interval-compressed column store.

Usage:
  incstore [options] [store_path]  - Start with an optional store path

Options:
  -create                 - Create a new store at store_path instead of opening one
  -bucket-size int        - Bucket size in bytes for new stores
  -compression string     - Bucket compression for new stores: none, snappy or zstd
  -cache-size int         - Number of buckets kept in memory
  -log-level string       - Log level: debug, info, warn or error
  -telemetry              - Export metrics and traces to stdout

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open a store at PATH
  .create PATH            - Create a store at PATH
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .flush                  - Write all dirty buckets and metadata to disk
  .cache [N]              - Show cache statistics, or resize the cache to N buckets
  .clear                  - Flush and empty the bucket cache
  .validate               - Check the structure of every bucket

  ADDCOL name kind [n]    - Add a column of kind with n elements per value
  DROPCOL name            - Remove a column
  COLUMNS                 - List columns
  ADDROW [n]              - Append n rows (default 1)
  REMOVEROW row           - Remove a row
  ROWS                    - Show the number of rows

  PUT column row value    - Store a value; array elements are comma separated
  GET column row          - Retrieve a value
  SCAN column [from [to]] - Show the runs of equal values in rows [from, to)
  BUCKETS                 - List buckets and the rows they hold
`

// Options holds the application configuration
type Options struct {
	StorePath   string
	Create      bool
	BucketSize  int
	Compression string
	CacheSize   int
	LogLevel    string
	Telemetry   bool
}

func main() {
	opts := parseFlags()

	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	storeOpts := []ism.Option{ism.WithLogger(logger)}
	if opts.Telemetry {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		telCfg.Enabled = true
		tel, err := telemetry.New(telCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting telemetry: %s\n", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tel.Shutdown(ctx)
		}()
		storeOpts = append(storeOpts, ism.WithTelemetry(tel))
	}

	sh := newShell(os.Stdout, newStoreConfig(opts), storeOpts...)
	defer sh.close()

	if opts.StorePath != "" {
		if opts.Create {
			err = sh.create(opts.StorePath)
		} else {
			err = sh.open(opts.StorePath)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
			os.Exit(1)
		}
	}

	runInteractive(sh)
}

// parseFlags parses command line flags and returns the Options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "incstore - An interval-compressed column store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: incstore [options] [store_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor more details, start incstore and type .help\n")
	}

	defaults := config.NewDefaultConfig()
	create := flag.Bool("create", false, "Create a new store instead of opening one")
	bucketSize := flag.Int("bucket-size", defaults.BucketSize, "Bucket size in bytes for new stores")
	compression := flag.String("compression", defaults.Compression, "Bucket compression for new stores: none, snappy or zstd")
	cacheSize := flag.Int("cache-size", defaults.CacheSize, "Number of buckets kept in memory")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn or error")
	tel := flag.Bool("telemetry", false, "Export metrics and traces to stdout")

	flag.Parse()

	var storePath string
	if flag.NArg() > 0 {
		storePath = flag.Arg(0)
	}

	return Options{
		StorePath:   storePath,
		Create:      *create,
		BucketSize:  *bucketSize,
		Compression: *compression,
		CacheSize:   *cacheSize,
		LogLevel:    *logLevel,
		Telemetry:   *tel,
	}
}

// newStoreConfig builds the configuration used for stores created from the shell
func newStoreConfig(opts Options) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BucketSize = opts.BucketSize
	cfg.Compression = opts.Compression
	cfg.CacheSize = opts.CacheSize
	return cfg
}

// runInteractive starts the interactive CLI mode
func runInteractive(sh *shell) {
	fmt.Println("incstore version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".incstore_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "incstore> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sh.exec(line) {
			return
		}
	}
}

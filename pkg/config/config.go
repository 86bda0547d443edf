// Package config loads the settings shared by the piscale binaries from
// command-line flags whose defaults come from PI_* environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"piscale/pkg/kernel"
	"piscale/pkg/reduce"
	"piscale/pkg/store"
)

// Transport names.
const (
	TransportLocal     = "local"
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// DefaultChunkSize is the work size each worker computes.
const DefaultChunkSize = 100_000_000

// DefaultNetworkWorkers is the worker count a network job waits for when none is configured.
const DefaultNetworkWorkers = 2

// Config holds the settings of a piscale binary.
type Config struct {
	// Workers is the target worker count; 0 picks a default for the transport.
	Workers int

	// ChunkSize is the number of terms or samples per worker.
	ChunkSize int64

	// Method names the kernel (see kernel.Names).
	Method string

	// Seed seeds sampling kernels; 0 picks a random seed.
	Seed uint64

	// Transport is one of local, nats or websocket.
	Transport string

	// Addr is the WebSocket listen address of the coordinator.
	Addr string

	// URL is the WebSocket endpoint a worker dials.
	URL string

	// NATSURL is the NATS server a networked process connects to.
	NATSURL string

	// Namespace prefixes NATS subjects.
	Namespace string

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string

	// HistoryDriver and HistoryDSN select the run history database; empty driver disables it.
	HistoryDriver string
	HistoryDSN    string

	// ArchiveDir stores each report as a compressed file when non-empty.
	ArchiveDir string

	LogLevel  string
	LogFormat string

	// JoinTimeout and ResultTimeout bound the coordinator's waits; 0 waits forever.
	JoinTimeout   time.Duration
	ResultTimeout time.Duration

	// Sequential runs the single-goroutine baseline instead of a job.
	Sequential bool
}

// Load parses args (without the program name) into a Config. Flag defaults
// are read through getenv, so an environment variable sets the default and a
// flag overrides it. Malformed environment values are reported as errors.
func Load(name string, args []string, getenv func(string) string) (Config, error) {
	env := &envReader{getenv: getenv}
	var cfg Config

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&cfg.Workers, "workers", env.Int("PI_WORKERS", 0), "target worker count (0 = number of CPUs for local, 2 for network jobs)")
	fs.Int64Var(&cfg.ChunkSize, "chunk-size", env.Int64("PI_CHUNK_SIZE", DefaultChunkSize), "terms or samples per worker")
	fs.StringVar(&cfg.Method, "method", env.String("PI_METHOD", kernel.Leibniz{}.Name()), fmt.Sprintf("kernel, one of %v", kernel.Names()))
	fs.Uint64Var(&cfg.Seed, "seed", env.Uint64("PI_SEED", 0), "seed for sampling kernels (0 = random)")
	fs.StringVar(&cfg.Transport, "transport", env.String("PI_TRANSPORT", TransportWebSocket), "transport: local, nats or websocket")
	fs.StringVar(&cfg.Addr, "addr", env.String("PI_ADDR", ":8080"), "websocket listen address")
	fs.StringVar(&cfg.URL, "url", env.String("PI_URL", "ws://localhost:8080/pi-job"), "websocket endpoint for workers")
	fs.StringVar(&cfg.NATSURL, "nats", env.String("PI_NATS_URL", nats.DefaultURL), "NATS server URL")
	fs.StringVar(&cfg.Namespace, "namespace", env.String("PI_NAMESPACE", "pi-job"), "NATS subject namespace")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", env.String("PI_METRICS_ADDR", ""), "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.HistoryDriver, "history-driver", env.String("PI_HISTORY_DRIVER", ""), "run history driver: sqlite3, postgres or mysql")
	fs.StringVar(&cfg.HistoryDSN, "history-dsn", env.String("PI_HISTORY_DSN", ""), "run history data source name")
	fs.StringVar(&cfg.ArchiveDir, "archive-dir", env.String("PI_ARCHIVE_DIR", ""), "archive each report under this directory")
	fs.StringVar(&cfg.LogLevel, "log-level", env.String("PI_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", env.String("PI_LOG_FORMAT", "console"), "log format: console or json")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", env.Duration("PI_JOIN_TIMEOUT", 0), "abort when workers have not joined in time (0 = wait forever)")
	fs.DurationVar(&cfg.ResultTimeout, "result-timeout", env.Duration("PI_RESULT_TIMEOUT", 0), "abort when results have not arrived in time (0 = wait forever)")
	fs.BoolVar(&cfg.Sequential, "sequential", env.Bool("PI_SEQUENTIAL", false), "run the single-goroutine baseline")

	if err := env.Err(); err != nil {
		return Config{}, err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %v", reduce.ErrConfiguration, err)
	}
	return cfg, nil
}

// WorkerCount resolves the target worker count for the configured transport.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	if c.Transport == TransportLocal {
		return runtime.NumCPU()
	}
	return DefaultNetworkWorkers
}

// Validate checks the settings every binary relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("worker count must not be negative, got %d", c.Workers))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	} else if c.ChunkSize > math.MaxInt64/int64(c.WorkerCount()) {
		errs = append(errs, fmt.Errorf("total work %d x %d overflows int64", c.ChunkSize, c.WorkerCount()))
	}
	if !slices.Contains(kernel.Names(), c.Method) {
		errs = append(errs, fmt.Errorf("unknown method %q", c.Method))
	}
	switch c.Transport {
	case TransportLocal, TransportNATS, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.HistoryDriver != "" {
		if _, err := store.DialectFor(c.HistoryDriver); err != nil {
			errs = append(errs, err)
		}
		if c.HistoryDSN == "" {
			errs = append(errs, errors.New("history dsn is required with a history driver"))
		}
	}
	if c.JoinTimeout < 0 || c.ResultTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", reduce.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) Err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", reduce.ErrConfiguration, errors.Join(e.errs...))
}

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, val, err))
}

func (e *envReader) String(key, defaultVal string) string {
	if val := e.getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func (e *envReader) Int(key string, defaultVal int) int {
	if val := e.getenv(key); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

func (e *envReader) Int64(key string, defaultVal int64) int64 {
	if val := e.getenv(key); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(key, val, err)
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

func (e *envReader) Uint64(key string, defaultVal uint64) uint64 {
	if val := e.getenv(key); val != "" {
		parsed, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			e.fail(key, val, err)
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

func (e *envReader) Bool(key string, defaultVal bool) bool {
	if val := e.getenv(key); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

func (e *envReader) Duration(key string, defaultVal time.Duration) time.Duration {
	if val := e.getenv(key); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

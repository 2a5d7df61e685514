// Package config resolves the server's read-only settings from built-in
// defaults, the persisted config table and command-line flags, in that
// order of precedence (flags win).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"sjq/internal/model"
)

// Keys accepted by `sjq config set`.
const (
	KeyMaxProcs     = "maxprocs"
	KeyMaxMem       = "maxmem"
	KeyDefaultProcs = "default_procs"
	KeyDefaultMem   = "default_mem"
	KeyPollInterval = "poll_interval"
	KeyIdleShutdown = "idle_shutdown"
)

var Keys = []string{KeyMaxProcs, KeyMaxMem, KeyDefaultProcs, KeyDefaultMem, KeyPollInterval, KeyIdleShutdown}

type Config struct {
	MaxProcs     int
	MaxMem       int64
	DefaultProcs int
	DefaultMem   int64

	PollInterval time.Duration
	IdleShutdown time.Duration // 0 disables

	Home       string
	SocketPath string
	DBPath     string
	LogPath    string
	LogLevel   string
	PIDPath    string
	SpoolDir   string
}

// Getter is the subset of the store used to read persisted settings.
type Getter interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

// DefaultHome is $SJQ_HOME, or ~/.sjq.
func DefaultHome() string {
	if h := os.Getenv("SJQ_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sjq"
	}
	return filepath.Join(home, ".sjq")
}

func Default() Config {
	return WithHome(DefaultHome())
}

// WithHome returns the defaults with every path placed under home.
func WithHome(home string) Config {
	return Config{
		MaxProcs:     runtime.NumCPU(),
		MaxMem:       4 << 30,
		DefaultProcs: 1,
		DefaultMem:   0,
		PollInterval: 10 * time.Second,
		Home:         home,
		SocketPath:   filepath.Join(home, "sjq.sock"),
		DBPath:       filepath.Join(home, "sjq.db"),
		PIDPath:      filepath.Join(home, "sjq.pid"),
		SpoolDir:     filepath.Join(home, "spool"),
		LogLevel:     "info",
	}
}

func (c Config) Limits() model.Limits {
	return model.Limits{
		MaxProcs:     c.MaxProcs,
		MaxMem:       c.MaxMem,
		DefaultProcs: c.DefaultProcs,
		DefaultMem:   c.DefaultMem,
	}
}

func (c Config) Validate() error {
	if c.MaxProcs < 1 {
		return fmt.Errorf("maxprocs must be positive, got %d", c.MaxProcs)
	}
	if c.MaxMem < 1 {
		return fmt.Errorf("maxmem must be positive, got %d", c.MaxMem)
	}
	if c.DefaultProcs < 1 || c.DefaultProcs > c.MaxProcs {
		return fmt.Errorf("default_procs %d outside 1..%d", c.DefaultProcs, c.MaxProcs)
	}
	if c.DefaultMem < 0 || c.DefaultMem > c.MaxMem {
		return fmt.Errorf("default_mem %d outside 0..%d", c.DefaultMem, c.MaxMem)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.IdleShutdown < 0 {
		return fmt.Errorf("idle_shutdown must not be negative, got %s", c.IdleShutdown)
	}
	if c.SocketPath == "" || c.DBPath == "" {
		return fmt.Errorf("socket and database paths are required")
	}
	return nil
}

// Set applies one key/value pair, parsing sizes and durations.
func (c *Config) Set(key, value string) error {
	switch key {
	case KeyMaxProcs:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.MaxProcs = n
	case KeyDefaultProcs:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.DefaultProcs = n
	case KeyMaxMem:
		n, err := ParseMem(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.MaxMem = n
	case KeyDefaultMem:
		n, err := ParseMem(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.DefaultMem = n
	case KeyPollInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.PollInterval = d
	case KeyIdleShutdown:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.IdleShutdown = d
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Get formats the current value of key the way Set accepts it.
func (c Config) Get(key string) (string, error) {
	switch key {
	case KeyMaxProcs:
		return strconv.Itoa(c.MaxProcs), nil
	case KeyDefaultProcs:
		return strconv.Itoa(c.DefaultProcs), nil
	case KeyMaxMem:
		return humanize.IBytes(uint64(c.MaxMem)), nil
	case KeyDefaultMem:
		return humanize.IBytes(uint64(c.DefaultMem)), nil
	case KeyPollInterval:
		return c.PollInterval.String(), nil
	case KeyIdleShutdown:
		return c.IdleShutdown.String(), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// ApplyStore overlays every persisted key onto c.
func (c *Config) ApplyStore(ctx context.Context, st Getter) error {
	for _, key := range Keys {
		val, err := st.GetConfig(ctx, key)
		if err != nil {
			return fmt.Errorf("read config %s: %w", key, err)
		}
		if val == "" {
			continue
		}
		if err := c.Set(key, val); err != nil {
			return fmt.Errorf("stored config: %w", err)
		}
	}
	return nil
}

// ParseMem accepts plain byte counts and human sizes such as 512M or 2GiB.
func ParseMem(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %s too large", s)
	}
	return int64(n), nil
}

// FormatMem renders a byte count the way `sjq list` shows it.
func FormatMem(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// Flags holds the raw values of the server's resource flags so that only
// the ones given on the command line override the store.
type Flags struct {
	fs           *pflag.FlagSet
	maxProcs     int
	maxMem       string
	defaultProcs int
	defaultMem   string
	poll         time.Duration
	idle         time.Duration
}

func RegisterFlags(fs *pflag.FlagSet, cfg *Config) *Flags {
	f := &Flags{fs: fs}
	fs.IntVar(&f.maxProcs, KeyMaxProcs, cfg.MaxProcs, "process slots available to jobs")
	fs.StringVar(&f.maxMem, KeyMaxMem, humanize.IBytes(uint64(cfg.MaxMem)), "memory available to jobs")
	fs.IntVar(&f.defaultProcs, "default-procs", cfg.DefaultProcs, "procs for jobs that do not ask")
	fs.StringVar(&f.defaultMem, "default-mem", "0", "mem for jobs that do not ask")
	fs.DurationVar(&f.poll, "poll", cfg.PollInterval, "scheduler poll interval")
	fs.DurationVar(&f.idle, "idle-shutdown", cfg.IdleShutdown, "stop after this long idle (0 never)")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "log file (stderr when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.PIDPath, "pidfile", cfg.PIDPath, "pid file path")
	fs.StringVar(&cfg.SpoolDir, "spool", cfg.SpoolDir, "directory for job scripts")
	return f
}

// Apply overlays flags the user actually set.
func (f *Flags) Apply(cfg *Config) error {
	set := func(name, key, val string) error {
		if !f.fs.Changed(name) {
			return nil
		}
		return cfg.Set(key, val)
	}
	if err := set(KeyMaxProcs, KeyMaxProcs, strconv.Itoa(f.maxProcs)); err != nil {
		return err
	}
	if err := set(KeyMaxMem, KeyMaxMem, f.maxMem); err != nil {
		return err
	}
	if err := set("default-procs", KeyDefaultProcs, strconv.Itoa(f.defaultProcs)); err != nil {
		return err
	}
	if err := set("default-mem", KeyDefaultMem, f.defaultMem); err != nil {
		return err
	}
	if err := set("poll", KeyPollInterval, f.poll.String()); err != nil {
		return err
	}
	return set("idle-shutdown", KeyIdleShutdown, f.idle.String())
}

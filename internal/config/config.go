// Package config loads the crawler configuration from a TOML file and
// applies defaults for every key the file omits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/minoru/fediverse-crawler/internal/util"
)

// DefaultPath is where the config file lives unless --config says otherwise.
const DefaultPath = "~/.fedicrawler/config.toml"

// UserAgent is sent on every outbound HTTP request. The product token must
// stay recognizable to robots.txt files that address MinoruFediverseCrawler.
const UserAgent = "Minoru's Fediverse Crawler (+https://nodes.fediverse.party/info)"

// RobotsAgent is the User-agent token robots.txt files use to address us.
const RobotsAgent = "MinoruFediverseCrawler"

// Duration wraps time.Duration so TOML files can say "30s" or "7d"-less
// forms that time.ParseDuration accepts.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every tunable of the crawler. Zero values mean "use default";
// Load never returns a Config with unset fields.
type Config struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	MaxChecksPerSecond  float64  `toml:"max_checks_per_second"`
	MaxConcurrentChecks int      `toml:"max_concurrent_checks"`
	TickInterval        Duration `toml:"tick_interval"`

	CheckerDeadline Duration `toml:"checker_deadline"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	ReadTimeout     Duration `toml:"read_timeout"`
	GracePeriod     Duration `toml:"grace_period"`

	MaxRedirects     int   `toml:"max_redirects"`
	MaxBodyBytes     int64 `toml:"max_body_bytes"`
	MaxPeersPerCheck int   `toml:"max_peers_per_check"`

	MaxChecksPerHostPerDay int `toml:"max_checks_per_host_per_day"`

	SnapshotInterval Duration `toml:"snapshot_interval"`
	SnapshotPath     string   `toml:"snapshot_path"`
	AliveWindow      Duration `toml:"alive_window"`

	BloomRebuildInterval Duration `toml:"bloom_rebuild_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "~/.fedicrawler",
		LogLevel: "info",

		MaxChecksPerSecond:  1,
		MaxConcurrentChecks: 512,
		TickInterval:        Duration(time.Second),

		CheckerDeadline: Duration(60 * time.Second),
		ConnectTimeout:  Duration(10 * time.Second),
		ReadTimeout:     Duration(30 * time.Second),
		GracePeriod:     Duration(2 * time.Second),

		MaxRedirects:     5,
		MaxBodyBytes:     4 << 20,
		MaxPeersPerCheck: 20000,

		MaxChecksPerHostPerDay: 2,

		SnapshotInterval: Duration(30 * time.Minute),
		AliveWindow:      Duration(7 * 24 * time.Hour),

		BloomRebuildInterval: Duration(time.Hour),
	}
}

// Load reads the TOML file at path and merges it over the defaults.
// A missing file is not an error: the defaults are the configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	path = util.ExpandHome(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg.finish()
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	return cfg.finish()
}

// finish expands paths, derives dependent defaults, and sanity-checks.
func (c Config) finish() (Config, error) {
	c.DataDir = util.ExpandHome(c.DataDir)
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(c.DataDir, "instances.json")
	} else {
		c.SnapshotPath = util.ExpandHome(c.SnapshotPath)
	}

	if c.MaxChecksPerSecond <= 0 {
		return c, fmt.Errorf("max_checks_per_second must be positive, got %v", c.MaxChecksPerSecond)
	}
	if c.MaxConcurrentChecks <= 0 {
		return c, fmt.Errorf("max_concurrent_checks must be positive, got %d", c.MaxConcurrentChecks)
	}
	if c.MaxBodyBytes <= 0 {
		return c, fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	return c, nil
}

// StorePath is the SQLite store file inside the data directory.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "fedicrawler.db")
}

// LockPath is the flock file that keeps two crawler instances off one store.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "fedicrawler.lock")
}

// PidsDir is where spawned checker PIDs are tracked for orphan cleanup.
func (c Config) PidsDir() string {
	return filepath.Join(c.DataDir, "pids")
}

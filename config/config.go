// Package config loads and validates the TOML configuration for toriidb
// binaries. Defaults come first, the config file overlays them, and flags
// get the last word in main.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sushant-115/toriidb/pkg/logger"
	"github.com/sushant-115/toriidb/pkg/telemetry"
)

// Duration wraps time.Duration so TOML files can spell intervals as strings
// like "60s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the listen addresses and supervision intervals of the
// region server process.
type ServerConfig struct {
	// ListenAddr is the TCP address serving the transactional wire protocol.
	ListenAddr string `toml:"listen_addr"`
	// StatusAddr is the HTTP address serving /status and /metrics.
	StatusAddr string `toml:"status_addr"`
	// HealthInterval is how often the server probes log storage health.
	HealthInterval Duration `toml:"health_interval"`
	// ShutdownGrace bounds how long graceful shutdown waits for regions to
	// drain before giving up.
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// LogConfig holds the transaction log tunables.
type LogConfig struct {
	// Dir is the base directory of the transaction log tree.
	Dir string `toml:"dir"`
	// SegmentSizeLimit is the size at which the active segment rolls.
	SegmentSizeLimit int64 `toml:"segment_size_limit"`
	// ArchiveCopyRate throttles archival copies on region removal, in
	// bytes per second. 0 disables throttling.
	ArchiveCopyRate int64 `toml:"archive_copy_rate"`
}

// TransactionConfig holds the lease tunables of the transaction layer.
type TransactionConfig struct {
	// LeaseTimeout is how long a transaction may stay idle before the
	// sweeper aborts it.
	LeaseTimeout Duration `toml:"lease_timeout"`
	// SweepInterval is how often the sweeper scans for expired leases.
	SweepInterval Duration `toml:"sweep_interval"`
}

// RegionConfig names one region this server hosts and its key range.
// An empty end_key means the range is unbounded on the right.
type RegionConfig struct {
	Name     string `toml:"name"`
	StartKey string `toml:"start_key"`
	EndKey   string `toml:"end_key"`
}

// CommitStreamConfig configures the committed-transaction feed publisher.
// TLS material is given as file paths; main loads it.
type CommitStreamConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	URLPath string `toml:"url_path"`

	CACert     string `toml:"ca_cert"`
	ClientCert string `toml:"client_cert"`
	ClientKey  string `toml:"client_key"`

	NumConnections   int      `toml:"num_connections"`
	QueueCapacity    int      `toml:"queue_capacity"`
	MaxBatchBytes    int      `toml:"max_batch_bytes"`
	MaxBatchMessages int      `toml:"max_batch_messages"`
	FlushInterval    Duration `toml:"flush_interval"`

	MaxWriteRetries   int      `toml:"max_write_retries"`
	InitialBackoff    Duration `toml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff"`
	BackoffJitterFrac float64  `toml:"backoff_jitter_frac"`
}

// Config is the root configuration of a toriidb region server.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Log          LogConfig          `toml:"log"`
	Transactions TransactionConfig  `toml:"transactions"`
	Logging      logger.Config      `toml:"logging"`
	Telemetry    telemetry.Config   `toml:"telemetry"`
	CommitStream CommitStreamConfig `toml:"commit_stream"`
	Regions      []RegionConfig     `toml:"regions"`
}

// Default returns the configuration a server runs with when no file is given:
// one unbounded region on localhost addresses.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:4700",
			StatusAddr:     "127.0.0.1:4701",
			HealthInterval: Duration{15 * time.Second},
			ShutdownGrace:  Duration{30 * time.Second},
		},
		Log: LogConfig{
			Dir: "data/txnlog",
		},
		Transactions: TransactionConfig{
			LeaseTimeout:  Duration{60 * time.Second},
			SweepInterval: Duration{time.Second},
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          true,
			ServiceName:      "toriidb",
			TraceSampleRatio: 1.0,
		},
		Regions: []RegionConfig{
			{Name: "default"},
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. An empty path returns the validated defaults. Unknown keys in the
// file are an error so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions a running server
// could not honor.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.Server.StatusAddr == c.Server.ListenAddr {
		return fmt.Errorf("server.status_addr must differ from server.listen_addr")
	}
	if c.Log.Dir == "" {
		return fmt.Errorf("log.dir must be set")
	}
	if c.Transactions.LeaseTimeout.Duration <= 0 {
		return fmt.Errorf("transactions.lease_timeout must be positive")
	}
	if c.Transactions.SweepInterval.Duration <= 0 {
		return fmt.Errorf("transactions.sweep_interval must be positive")
	}
	if c.Transactions.SweepInterval.Duration > c.Transactions.LeaseTimeout.Duration {
		return fmt.Errorf("transactions.sweep_interval must not exceed transactions.lease_timeout")
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region must be configured")
	}
	if err := validateRegions(c.Regions); err != nil {
		return err
	}
	if c.CommitStream.Enabled {
		if c.CommitStream.Addr == "" {
			return fmt.Errorf("commit_stream.addr must be set when commit_stream.enabled is true")
		}
		if c.CommitStream.CACert == "" {
			return fmt.Errorf("commit_stream.ca_cert must be set when commit_stream.enabled is true")
		}
	}
	return nil
}

// validateRegions checks that region names are usable as log directory names
// and that the configured key ranges partition the keyspace without overlap.
func validateRegions(regions []RegionConfig) error {
	seen := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		if r.Name == "" {
			return fmt.Errorf("region name must not be empty")
		}
		if strings.ContainsAny(r.Name, `/\`) || r.Name == "orphaned" {
			return fmt.Errorf("region name %q is reserved or not a valid directory name", r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate region name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.EndKey != "" && r.StartKey >= r.EndKey {
			return fmt.Errorf("region %q: start_key %q must sort before end_key %q", r.Name, r.StartKey, r.EndKey)
		}
	}

	ordered := make([]RegionConfig, len(regions))
	copy(ordered, regions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartKey < ordered[j].StartKey })
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if prev.EndKey == "" || prev.EndKey > cur.StartKey {
			return fmt.Errorf("regions %q and %q overlap", prev.Name, cur.Name)
		}
	}
	return nil
}

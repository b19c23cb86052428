package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toriidb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	loaded, err := Load("")
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[server]
listen_addr = "0.0.0.0:4700"

[transactions]
lease_timeout = "30s"
sweep_interval = "500ms"

[logging]
level = "debug"

[commit_stream]
enabled = true
addr = "warmcache.internal:4433"
ca_cert = "/etc/toriidb/ca.pem"
flush_interval = "25ms"

[[regions]]
name = "users"
start_key = ""
end_key = "m"

[[regions]]
name = "orders"
start_key = "m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:4700", cfg.Server.ListenAddr)
	require.Equal(t, 30*time.Second, cfg.Transactions.LeaseTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Transactions.SweepInterval.Duration)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 25*time.Millisecond, cfg.CommitStream.FlushInterval.Duration)
	require.Len(t, cfg.Regions, 2)
	require.Equal(t, "users", cfg.Regions[0].Name)
	require.Equal(t, "m", cfg.Regions[0].EndKey)

	// Sections the file does not mention keep their defaults.
	require.Equal(t, 15*time.Second, cfg.Server.HealthInterval.Duration)
	require.Equal(t, "data/txnlog", cfg.Log.Dir)
	require.True(t, cfg.Telemetry.Enabled)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
[server]
listen_adr = "0.0.0.0:4700"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown config keys")
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"status addr collides", func(c *Config) { c.Server.StatusAddr = c.Server.ListenAddr }},
		{"empty log dir", func(c *Config) { c.Log.Dir = "" }},
		{"zero lease timeout", func(c *Config) { c.Transactions.LeaseTimeout = Duration{} }},
		{"sweep slower than lease", func(c *Config) {
			c.Transactions.SweepInterval = Duration{2 * c.Transactions.LeaseTimeout.Duration}
		}},
		{"no regions", func(c *Config) { c.Regions = nil }},
		{"empty region name", func(c *Config) { c.Regions = []RegionConfig{{Name: ""}} }},
		{"reserved region name", func(c *Config) { c.Regions = []RegionConfig{{Name: "orphaned"}} }},
		{"duplicate region name", func(c *Config) {
			c.Regions = []RegionConfig{{Name: "r", EndKey: "m"}, {Name: "r", StartKey: "m"}}
		}},
		{"inverted key range", func(c *Config) {
			c.Regions = []RegionConfig{{Name: "r", StartKey: "z", EndKey: "a"}}
		}},
		{"overlapping regions", func(c *Config) {
			c.Regions = []RegionConfig{
				{Name: "a", StartKey: "", EndKey: "n"},
				{Name: "b", StartKey: "m", EndKey: ""},
			}
		}},
		{"unbounded region not last", func(c *Config) {
			c.Regions = []RegionConfig{
				{Name: "a", StartKey: "", EndKey: ""},
				{Name: "b", StartKey: "m", EndKey: "z"},
			}
		}},
		{"stream enabled without addr", func(c *Config) {
			c.CommitStream.Enabled = true
			c.CommitStream.Addr = ""
		}},
		{"stream enabled without ca cert", func(c *Config) {
			c.CommitStream.Enabled = true
			c.CommitStream.Addr = "warmcache.internal:4433"
			c.CommitStream.CACert = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

package easytsdb

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.normalize.
const (
	DefaultDirectory        = "easy_timeseries_db"
	DefaultBackupDirectory  = "easy_tsdb_backups"
	DefaultRAMCeilingBytes  = 200 * 1024
	DefaultAutosaveInterval = 600 * time.Second
)

// Config defines engine configuration.
type Config struct {
	// Directory is the root directory for shards and the index.
	// Default: easy_timeseries_db.
	Directory string

	// Frame selects hourly or minutely shards. Default: hour.
	Frame string

	// RAMCeilingBytes is the buffer overflow threshold that forces a
	// synchronous flush. Default: 204800.
	RAMCeilingBytes int

	// AutosaveInterval is the trailing-edge debounce for the timer-driven
	// flush and index persist. Default: 600s.
	AutosaveInterval time.Duration

	// Backup configures backup archives.
	Backup BackupConfig

	// Logger receives structured engine logs. Default: slog.Default().
	Logger *slog.Logger

	// Clock drives the autosave timer. Default: the wall clock. Tests
	// substitute a mock.
	Clock clock.Clock
}

// BackupConfig configures backup archives.
type BackupConfig struct {
	// Directory is where archives and the manifest live.
	// Default: easy_tsdb_backups.
	Directory string `yaml:"directory"`

	// Compress enables snappy framing of archives.
	Compress bool `yaml:"compress"`

	// Passphrase, when set, encrypts archives with an AES-GCM key derived
	// from it. Prefer injecting it from the environment over config files.
	Passphrase string `yaml:"passphrase"`

	// RetentionCount is the number of archives to retain. Default: 10.
	RetentionCount int `yaml:"retention_count"`

	// S3 configures an optional remote backend for archives.
	S3 *S3BackendConfig `yaml:"s3"`

	// Remote overrides S3 with a caller-supplied backend.
	Remote RemoteBackend `yaml:"-"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Directory == "" {
		c.Directory = DefaultDirectory
	}
	if c.Frame == "" {
		c.Frame = FrameHour.String()
	}
	if c.RAMCeilingBytes <= 0 {
		c.RAMCeilingBytes = DefaultRAMCeilingBytes
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = DefaultAutosaveInterval
	}
	if c.Backup.Directory == "" {
		c.Backup.Directory = DefaultBackupDirectory
	}
	if c.Backup.RetentionCount <= 0 {
		c.Backup.RetentionCount = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// fileConfig is the YAML shape of a config file. The autosave debounce is
// given in whole seconds there.
type fileConfig struct {
	Directory        string       `yaml:"directory"`
	Frame            string       `yaml:"frame"`
	RAMCeilingBytes  int          `yaml:"ram_ceiling_bytes"`
	AutosaveSeconds  int          `yaml:"autosave_interval_s"`
	Backup           BackupConfig `yaml:"backup"`
}

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, err := ParseFrame(fc.Frame); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Directory:        fc.Directory,
		Frame:            fc.Frame,
		RAMCeilingBytes:  fc.RAMCeilingBytes,
		AutosaveInterval: time.Duration(fc.AutosaveSeconds) * time.Second,
		Backup:           fc.Backup,
	}
	cfg.normalize()
	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Duration wraps time.Duration so it can be written as "50ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	LogLevel string `toml:"log-level"`

	// Directory of the durable version log. Empty keeps everything in memory.
	DataDir    string `toml:"data-dir"`
	SyncWrites bool   `toml:"sync-writes"`

	// A blocked lock request gives up after this long.
	LockWaitTimeout Duration `toml:"lock-wait-timeout"`
	// Period of the background deadlock detector.
	DeadlockDetectInterval Duration `toml:"deadlock-detect-interval"`
	// Also run detection as soon as a lock request is queued.
	DetectOnBlock bool `toml:"detect-on-block"`

	GCInterval Duration `toml:"gc-interval"`

	// Number of version store shards, must be a power of two.
	Shards int `toml:"shards"`
}

func (c *Config) Validate() error {
	if c.LockWaitTimeout.Duration <= 0 {
		return fmt.Errorf("lock wait timeout must be greater than 0")
	}
	if c.DeadlockDetectInterval.Duration <= 0 {
		return fmt.Errorf("deadlock detect interval must be greater than 0")
	}
	if c.LockWaitTimeout.Duration < c.DeadlockDetectInterval.Duration {
		// The timeout would fire before the detector ever looked at the wait.
		return fmt.Errorf("lock wait timeout %v is shorter than deadlock detect interval %v",
			c.LockWaitTimeout, c.DeadlockDetectInterval)
	}
	if c.GCInterval.Duration <= 0 {
		return fmt.Errorf("gc interval must be greater than 0")
	}
	if c.Shards <= 0 || c.Shards&(c.Shards-1) != 0 {
		return fmt.Errorf("shards must be a positive power of two, got %d", c.Shards)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:               getLogLevel(),
		SyncWrites:             true,
		LockWaitTimeout:        Duration{3 * time.Second},
		DeadlockDetectInterval: Duration{50 * time.Millisecond},
		DetectOnBlock:          false,
		GCInterval:             Duration{50 * time.Millisecond},
		Shards:                 64,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:               getLogLevel(),
		SyncWrites:             false,
		LockWaitTimeout:        Duration{5 * time.Second},
		DeadlockDetectInterval: Duration{10 * time.Millisecond},
		DetectOnBlock:          true,
		GCInterval:             Duration{10 * time.Millisecond},
		Shards:                 8,
	}
}

// Load reads a TOML file on top of the default config.
func Load(path string) (*Config, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return nil, errors.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

// Package config loads the simulator configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the device configuration.
type Config struct {
	// FlashDir is the directory backing the emulated flash.
	FlashDir string `env:"WRISTCORE_FLASH_DIR" envDefault:"./flash"`

	// RAMBase and RAMSize describe the emulated RAM. The worker region is
	// the top WorkerRAMSize bytes of it.
	RAMBase       uint32 `env:"WRISTCORE_RAM_BASE" envDefault:"536870912"`
	RAMSize       uint32 `env:"WRISTCORE_RAM_SIZE" envDefault:"131072"`
	WorkerRAMSize uint32 `env:"WRISTCORE_WORKER_RAM_SIZE" envDefault:"32768"`

	// JumpTable is the address of the kernel-exported function table.
	JumpTable uint32 `env:"WRISTCORE_JUMP_TABLE" envDefault:"134221824"`
	// LandingZone is where faulting tasks are redirected.
	LandingZone uint32 `env:"WRISTCORE_LANDING_ZONE" envDefault:"134234112"`

	FlashBudget        int64         `env:"WRISTCORE_FLASH_BUDGET" envDefault:"1048576"`
	MaxBackgroundJobs  int64         `env:"WRISTCORE_MAX_BACKGROUND_JOBS" envDefault:"1"`
	IOLimit            int64         `env:"WRISTCORE_IO_LIMIT" envDefault:"0"`
	TombstoneRetention time.Duration `env:"WRISTCORE_TOMBSTONE_RETENTION" envDefault:"720h"`

	CrashWindow       time.Duration `env:"WRISTCORE_CRASH_WINDOW" envDefault:"60s"`
	KillRetryInterval time.Duration `env:"WRISTCORE_KILL_RETRY_INTERVAL" envDefault:"500ms"`
	KillRetryLimit    int           `env:"WRISTCORE_KILL_RETRY_LIMIT" envDefault:"6"`

	LogLevel slog.Level `env:"WRISTCORE_LOG_LEVEL" envDefault:"INFO"`
	// LogFile additionally receives JSON logs when set.
	LogFile string `env:"WRISTCORE_LOG_FILE"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.FlashDir == "" {
		errs = append(errs, errors.New("flash dir is required"))
	}
	if c.RAMSize == 0 || uint64(c.RAMBase)+uint64(c.RAMSize) > 1<<32 {
		errs = append(errs, fmt.Errorf("RAM %#x+%d does not fit the address space", c.RAMBase, c.RAMSize))
	}
	if c.WorkerRAMSize == 0 || c.WorkerRAMSize > c.RAMSize {
		errs = append(errs, fmt.Errorf("worker RAM %d exceeds RAM %d", c.WorkerRAMSize, c.RAMSize))
	}
	if c.TombstoneRetention < 0 {
		errs = append(errs, errors.New("tombstone retention must not be negative"))
	}
	if c.CrashWindow <= 0 || c.KillRetryInterval <= 0 || c.KillRetryLimit < 0 {
		errs = append(errs, errors.New("worker timings must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

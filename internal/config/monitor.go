package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// MonitorConfig tunes session closure detection and stale-session recovery.
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"pollInterval"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	StaleThreshold time.Duration `mapstructure:"staleThreshold"`
	SweepInterval  time.Duration `mapstructure:"sweepInterval"`
	ShutdownDrain  time.Duration `mapstructure:"shutdownDrain"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:   time.Second,
		ReadTimeout:    20 * time.Second,
		StaleThreshold: 15 * time.Minute,
		SweepInterval:  time.Minute,
		ShutdownDrain:  10 * time.Second,
	}
}

// MonitorConfigHolder exposes the current monitor config and follows
// file changes without a restart.
type MonitorConfigHolder struct {
	current atomic.Value // holds MonitorConfig
}

func NewMonitorConfigHolder() (*MonitorConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("monitor")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tapflow/config") // Volume-mounted config
	v.AddConfigPath("/etc/tapflow")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("TAPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
		defaults := DefaultMonitorConfig()
		v.SetDefault("monitor.pollInterval", defaults.PollInterval)
		v.SetDefault("monitor.readTimeout", defaults.ReadTimeout)
		v.SetDefault("monitor.staleThreshold", defaults.StaleThreshold)
		v.SetDefault("monitor.sweepInterval", defaults.SweepInterval)
		v.SetDefault("monitor.shutdownDrain", defaults.ShutdownDrain)
	}

	var cfg MonitorConfig
	if err := v.UnmarshalKey("monitor", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateMonitorConfig(cfg); err != nil {
		return nil, err
	}

	holder := &MonitorConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated MonitorConfig
			if err := v.UnmarshalKey("monitor", &updated); err != nil {
				log.Printf("[monitor-config] reload failed: %v", err)
				return
			}
			updated = updated.withDefaults()
			if err := validateMonitorConfig(updated); err != nil {
				log.Printf("[monitor-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[monitor-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// StaticMonitorConfigHolder wraps a fixed config. Used by tests and
// one-shot tooling that never reloads.
func StaticMonitorConfigHolder(cfg MonitorConfig) *MonitorConfigHolder {
	holder := &MonitorConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *MonitorConfigHolder) Current() MonitorConfig {
	return h.current.Load().(MonitorConfig)
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	defaults := DefaultMonitorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaults.StaleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = defaults.ShutdownDrain
	}
	return c
}

func validateMonitorConfig(cfg MonitorConfig) error {
	if cfg.ReadTimeout <= cfg.PollInterval {
		return errors.New("monitor read timeout must exceed the poll interval")
	}
	if cfg.StaleThreshold <= cfg.ReadTimeout {
		return errors.New("monitor stale threshold must exceed the read timeout")
	}
	return nil
}

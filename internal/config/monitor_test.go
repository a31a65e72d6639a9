package config

import (
	"testing"
	"time"
)

func TestMonitorConfigDefaults(t *testing.T) {
	cfg := MonitorConfig{}.withDefaults()
	want := DefaultMonitorConfig()

	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
	if err := validateMonitorConfig(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestMonitorConfigPartialOverride(t *testing.T) {
	cfg := MonitorConfig{PollInterval: 2 * time.Second}.withDefaults()

	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("override lost: %v", cfg.PollInterval)
	}
	if cfg.ReadTimeout != DefaultMonitorConfig().ReadTimeout {
		t.Fatalf("missing field not defaulted: %v", cfg.ReadTimeout)
	}
}

func TestMonitorConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{
			name: "read timeout below poll interval",
			cfg: MonitorConfig{
				PollInterval:   time.Minute,
				ReadTimeout:    time.Second,
				StaleThreshold: time.Hour,
			},
			wantErr: true,
		},
		{
			name: "stale threshold below read timeout",
			cfg: MonitorConfig{
				PollInterval:   time.Second,
				ReadTimeout:    20 * time.Second,
				StaleThreshold: 10 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "sane",
			cfg: MonitorConfig{
				PollInterval:   time.Second,
				ReadTimeout:    20 * time.Second,
				StaleThreshold: 15 * time.Minute,
			},
			wantErr: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateMonitorConfig(tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStaticMonitorConfigHolder(t *testing.T) {
	holder := StaticMonitorConfigHolder(MonitorConfig{PollInterval: 5 * time.Second})

	got := holder.Current()
	if got.PollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %v", got.PollInterval)
	}
	if got.ReadTimeout != DefaultMonitorConfig().ReadTimeout {
		t.Fatalf("expected defaulted read timeout, got %v", got.ReadTimeout)
	}
}

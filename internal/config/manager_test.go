package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pushpilot/pkg/logx"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const yamlConfig = `
timezone: Asia/Jakarta
logging:
  level: debug
  console: true
engine:
  cancellation_poll: 10s
storage:
  driver: sqlite
  path: /var/lib/pushpilot/pushpilot.db
  busy_timeout: 5s
audience:
  base_url: http://localhost:3001
  timeout: 2m
cadence:
  base_url: http://localhost:3002
delivery:
  base_url: http://localhost:3001
  rate_per_sec: 5
  retry_max: 2
alerts:
  enabled: true
  token: "123:abc"
  chat_id: -100200300
api:
  enabled: true
  listen: ":8091"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)

	cfg, err := NewManager(path, logx.Nop()).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Timezone != "Asia/Jakarta" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Engine.CancellationPoll.Std() != 10*time.Second {
		t.Errorf("CancellationPoll = %v", cfg.Engine.CancellationPoll.Std())
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout.Std() != 5*time.Second {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Delivery.RatePerSec != 5 || cfg.Delivery.RetryMax != 2 {
		t.Errorf("Delivery = %+v", cfg.Delivery)
	}
	if cfg.Alerts.ChatID != -100200300 {
		t.Errorf("ChatID = %d", cfg.Alerts.ChatID)
	}
	if !cfg.API.Enabled || cfg.API.Listen != ":8091" {
		t.Errorf("API = %+v", cfg.API)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "info"},
		"storage": {"driver": "file", "dir": "/tmp/autos"},
		"audience": {"base_url": "http://localhost:3001"},
		"cadence": {"base_url": ""},
		"delivery": {"base_url": "http://localhost:3001"}
	}`)

	cfg, err := NewManager(path, logx.Nop()).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Dir != "/tmp/autos" {
		t.Errorf("Storage.Dir = %q", cfg.Storage.Dir)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
storrage:
  driver: file
audience:
  base_url: x
cadence:
  base_url: x
delivery:
  base_url: x
storage:
  driver: file
`)
	if _, err := NewManager(path, logx.Nop()).Parse(); err == nil {
		t.Fatal("Parse accepted a misspelled section")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging":{"level":"info"},"storage":{},"audience":{"base_url":""},"cadence":{"base_url":""},"delivery":{"base_url":""}}{"extra":1}`)
	if _, err := NewManager(path, logx.Nop()).Parse(); err == nil {
		t.Fatal("Parse accepted trailing JSON tokens")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"), logx.Nop()).Parse(); err == nil {
		t.Fatal("Parse succeeded on a missing file")
	}
}

func TestLoadUpdatesGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path, logx.Nop())

	if m.Get() != nil {
		t.Fatal("Get returned a config before Load")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the loaded config")
	}
}

func TestWatchReloads(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- m.Watch(ctx, func(cfg *Config) {
			select {
			case applied <- cfg:
			default:
			}
		})
	}()

	// give the watcher a moment to arm before the edit
	time.Sleep(100 * time.Millisecond)

	next := yamlConfig + "\n" // touch content so the write is a real change
	next = strings.Replace(next, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(next), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("apply callback never fired")
	}

	cancel()
	if err := <-watchErr; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}

func TestWatchKeepsPreviousConfigOnBadEdit(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	good := m.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx, nil) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	// let the debounce and reload attempt pass
	time.Sleep(time.Second)
	if m.Get() != good {
		t.Fatal("broken edit replaced the last good config")
	}
}

func TestDurationForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"go string", `"90s"`, 90 * time.Second, false},
		{"minutes", `"5m"`, 5 * time.Minute, false},
		{"raw nanoseconds", `1000000000`, time.Second, false},
		{"bad string", `"soon"`, 0, true},
		{"bad type", `[1]`, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("UnmarshalJSON(%s) succeeded", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalJSON(%s): %v", tc.raw, err)
			}
			if d.Std() != tc.want {
				t.Fatalf("got %v, want %v", d.Std(), tc.want)
			}
		})
	}
}

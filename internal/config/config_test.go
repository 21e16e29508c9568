package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
storage:
  path: /var/lib/dripbot/tasks.db
attachments:
  dir: /var/lib/dripbot/attachments
  max_file_bytes: 10485760
scheduler:
  workers: 4
  resync_interval: 60s
limits:
  min_interval: 30s
  max_scheduled_per_user: 20
notify:
  enabled: true
  rate_per_sec: 3
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.ResyncInterval != "60s" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Notify.IsEnabled() {
		t.Fatal("notify should be enabled")
	}
	if cfg.Telegram.AccountName() != "main" {
		t.Fatalf("default account = %q", cfg.Telegram.AccountName())
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"storage":{"path":"/tmp/x.db"},"attachments":{"dir":"/tmp/a"},"scheduler":{},"limits":{}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/x.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
telegram:
  token: t
  tpken_typo: oops
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestNotifyDefaultEnabled(t *testing.T) {
	t.Parallel()
	var n NotifyConfig
	if !n.IsEnabled() {
		t.Fatal("omitted notify section should default to enabled")
	}
	off := false
	n.Enabled = &off
	if n.IsEnabled() {
		t.Fatal("explicit false ignored")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		def  time.Duration
		want time.Duration
		ok   bool
	}{
		{raw: "", def: time.Minute, want: time.Minute, ok: true},
		{raw: "45s", def: time.Minute, want: 45 * time.Second, ok: true},
		{raw: "0s", def: time.Minute, want: time.Minute, ok: true},
		{raw: "-5s", def: time.Minute, ok: false},
		{raw: "soon", def: time.Minute, ok: false},
	}
	for _, tc := range cases {
		got, err := Duration("test.field", tc.raw, tc.def)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("Duration(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("Duration(%q) accepted", tc.raw)
		}
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Telegram: TelegramConfig{Token: "new"}}
	m.publish(first)
	m.publish(second) // displaces first in the full buffer

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("subscriber got a stale config")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

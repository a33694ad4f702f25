package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const sampleYAML = `
http:
  addr: "127.0.0.1:5001"
relay:
  routes_file: ./routes.yaml
  send_timeout: 3s
  drain_after_success: 0
storage:
  driver: sqlite
  path: ./data/relay.db
  busy_timeout: 2s
logging:
  level: debug
  console: true
`

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	rs, _ := cfg.RelaySettings()
	if rs.SendTimeout != 3*time.Second || rs.DrainAfterSuccess != 0 || rs.DrainBatch != DefaultDrainBatch {
		t.Fatalf("relay settings = %+v", rs)
	}
	if rs.DelayedMarker != DefaultDelayedMarker {
		t.Fatalf("marker = %q", rs.DelayedMarker)
	}
	ss, _ := cfg.StorageSettings()
	if ss.Driver != "sqlite" || ss.BusyTimeout != 2*time.Second {
		t.Fatalf("storage settings = %+v", ss)
	}
	hs, _ := cfg.HTTPSettings()
	if hs.Addr != "127.0.0.1:5001" || hs.ReadTimeout != 10*time.Second {
		t.Fatalf("http settings = %+v", hs)
	}
	if lc := cfg.LogConfig(); lc.Level != "debug" || !lc.Console {
		t.Fatalf("log config = %+v", lc)
	}
}

func TestRelayDefaults(t *testing.T) {
	cfg := &Config{Relay: RelayConfig{RoutesFile: "r.json"}}
	rs, err := cfg.RelaySettings()
	if err != nil {
		t.Fatalf("RelaySettings: %v", err)
	}
	if rs.SendTimeout != DefaultSendTimeout || rs.DrainAfterSuccess != DefaultDrainAfterSuccess {
		t.Fatalf("defaults = %+v", rs)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown field", "c.json", `{"relay":{"routes_file":"r","bogus":1}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "relay: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), tt.file, tt.body)
			if _, err := NewConfigManager(p).Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing routes", Config{}, "relay.routes_file"},
		{"bad duration", Config{Relay: RelayConfig{RoutesFile: "r", SendTimeout: "soon"}}, "relay.send_timeout"},
		{"negative drain", Config{Relay: RelayConfig{RoutesFile: "r", DrainAfterSuccess: &neg}}, "drain_after_success"},
		{"unknown driver", Config{Relay: RelayConfig{RoutesFile: "r"}, Storage: StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"ops without token", Config{Relay: RelayConfig{RoutesFile: "r"}, Ops: OpsConfig{Enabled: true}}, "ops.token"},
		{"bad endpoint", Config{Relay: RelayConfig{RoutesFile: "r", Endpoint: "not a url"}}, "relay.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestRouteFileLoad(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeFile(t, dir, "routes.json", `[
		{"main_bot_id":"A","chat_id":"1","proxy":"http://127.0.0.1:7890",
		 "sub_bots":[{"bot_id":"B","chat_id":"2","keywords":["urgent"],"delimiter":"---"}]},
		{"main_bot_id":"C","sub_bots":[]}
	]`)
	yamlPath := writeFile(t, dir, "routes.yaml", `
- main_bot_id: A
  chat_id: "1"
  proxy: http://127.0.0.1:7890
  sub_bots:
    - bot_id: B
      chat_id: "2"
      keywords: [urgent]
      delimiter: "---"
- main_bot_id: C
`)
	for _, p := range []string{jsonPath, yamlPath} {
		t.Run(filepath.Ext(p), func(t *testing.T) {
			rules, err := RouteFile{Path: p}.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(rules) != 2 {
				t.Fatalf("rules = %d", len(rules))
			}
			r := rules[0]
			if r.ChannelID != "A" || r.ChatID != "1" || r.Proxy != "http://127.0.0.1:7890" {
				t.Fatalf("rule = %+v", r)
			}
			if len(r.Routes) != 1 || r.Routes[0].ChannelID != "B" || r.Routes[0].Delimiter != "---" || r.Routes[0].Keywords[0] != "urgent" {
				t.Fatalf("routes = %+v", r.Routes)
			}
		})
	}
}

func TestRouteFileRereads(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "routes.json", `[{"main_bot_id":"A"}]`)
	rf := RouteFile{Path: p}
	if rules, _ := rf.Load(); len(rules) != 1 {
		t.Fatalf("rules = %v", rules)
	}
	writeFile(t, dir, "routes.json", `[{"main_bot_id":"A"},{"main_bot_id":"B"}]`)
	if rules, _ := rf.Load(); len(rules) != 2 {
		t.Fatalf("edit not picked up: %v", rules)
	}
}

func TestRouteFileNumericChatID(t *testing.T) {
	p := writeFile(t, t.TempDir(), "routes.yaml", `
- main_bot_id: A
  chat_id: -1001234567890
  sub_bots:
    - bot_id: B
      chat_id: 42
      keywords: [x]
`)
	rules, err := RouteFile{Path: p}.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rules[0].ChatID != "-1001234567890" || rules[0].Routes[0].ChatID != "42" {
		t.Fatalf("chat ids = %q %q", rules[0].ChatID, rules[0].Routes[0].ChatID)
	}

	bad := writeFile(t, t.TempDir(), "routes.json", `[{"main_bot_id":"A","chat_id":true}]`)
	if _, err := (RouteFile{Path: bad}).Load(); err == nil || !strings.Contains(err.Error(), "chat_id") {
		t.Fatalf("err = %v", err)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 5 * time.Second, true},
		{"0s", 5 * time.Second, true},
		{" 250ms ", 250 * time.Millisecond, true},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := duration("k", tt.raw, 5*time.Second)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("duration(%q) = %v, %v", tt.raw, got, err)
		}
	}
}

func TestRouteFileInvalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"missing main bot", `[{"chat_id":"1"}]`, "main_bot_id"},
		{"bad proxy", `[{"main_bot_id":"A","proxy":"nope"}]`, "proxy"},
		{"unknown field", `[{"main_bot_id":"A","extra":true}]`, "extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "routes.json", tt.body)
			_, err := RouteFile{Path: p}.Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Relay: RelayConfig{RoutesFile: "a"}, Ops: OpsConfig{Token: "1:x"}}
	next := &Config{Relay: RelayConfig{RoutesFile: "b"}, Ops: OpsConfig{Token: "1:y"}, Logging: LoggingConfig{Level: "debug"}}
	changed, _ := SummarizeConfigChange(old, next)
	if strings.Join(changed, ",") != "logging,ops,relay" {
		t.Fatalf("changed = %v", changed)
	}
	if r := RestartRequired(changed); len(r) != 1 || r[0] != "ops" {
		t.Fatalf("restart = %v", r)
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"relay":{"routes_file":"r"},"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"relay":{"routes_file":""}}`)
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"relay":{"routes_file":"r"},"logging":{"level":"debug"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("config not committed")
	}
}

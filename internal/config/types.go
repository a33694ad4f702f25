package config

// Config is the process configuration loaded by ConfigManager.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Relay   RelayConfig   `json:"relay"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

// HTTPConfig controls the intake server.
//
// Defaults: addr "0.0.0.0:5000", read_timeout "10s", write_timeout "30s",
// idle_timeout "60s".
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// RelayConfig controls routing, formatting and retry behavior.
//
// Example:
//
//	"relay": { "routes_file": "./bot_config.json", "drain_after_success": 3 }
type RelayConfig struct {
	RoutesFile string `json:"routes_file"`
	// Endpoint is the default sendMessage URL template; a route's api_url wins.
	Endpoint    string `json:"endpoint,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"` // default "2s"

	// DrainAfterSuccess bounds the drain run after a successful delivery.
	// nil means 3; 0 disables it.
	DrainAfterSuccess *int `json:"drain_after_success,omitempty"`
	DrainBatch        int  `json:"drain_batch,omitempty"` // default 10

	DelayedMarker string `json:"delayed_marker,omitempty"` // default "[delayed]"
	LinkLabel     string `json:"link_label,omitempty"`     // default "Details"
}

// StorageConfig controls the pending queue and audit log backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/tgrelay" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the optional operator bot.
type OpsConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// LogChatID receives warn+ logs when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

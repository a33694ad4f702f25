package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		drain := DefaultDrainAfterSuccess
		if newCfg.Relay.DrainAfterSuccess != nil {
			drain = *newCfg.Relay.DrainAfterSuccess
		}
		attrs = append(attrs,
			logx.String("relay.routes_file", strings.TrimSpace(newCfg.Relay.RoutesFile)),
			logx.String("relay.send_timeout", strings.TrimSpace(newCfg.Relay.SendTimeout)),
			logx.Int("relay.drain_after_success", drain),
			logx.Int("relay.drain_batch", newCfg.Relay.DrainBatch),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Ops (never log token)
	o, n := oldCfg.Ops, newCfg.Ops
	if o.Enabled != n.Enabled || o.LogChatID != n.LogChatID ||
		strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		!reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) ||
		strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Enabled),
			logx.Int("ops.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("ops.log_chat_set", n.LogChatID != 0),
			logx.Bool("ops.token_changed", strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "storage", "ops":
			out = append(out, s)
		}
	}
	return out
}

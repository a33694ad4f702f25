package app

import (
	"context"
	"errors"
	"fmt"

	"tgrelay/internal/config"
	"tgrelay/internal/delivery"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/metrics"
	"tgrelay/internal/queue"
	"tgrelay/internal/relay"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// Core is the relay and its persistence without any listener. serve wraps
// it with the HTTP intake and the operator bot; the queue commands use it
// directly.
type Core struct {
	Log   logx.Logger
	Logs  *logx.Service
	Store storage.Store
	Queue *queue.Store
	Relay *relay.Service
	Bus   eventbus.Bus
}

// OpenCore loads and validates the config at path and opens the relay
// without the Telegram log sink. Close releases it.
func OpenCore(path string) (*Core, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logs, log := newLogging(cfg)
	c, err := newCore(cfg, logs, log, eventbus.Nop())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return c, nil
}

func newCore(cfg *config.Config, logs *logx.Service, log logx.Logger, bus eventbus.Bus) (*Core, error) {
	rs, err := cfg.RelaySettings()
	if err != nil {
		return nil, err
	}
	st, sc, err := openStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	q := queue.New(st, log.With(logx.String("comp", "queue")))
	n, err := q.Count(context.Background())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	metrics.Pending.Set(float64(n))
	if n > 0 {
		log.Info("pending notifications loaded", logx.Int("pending", n))
	}

	svc := relay.New(relayConfig(rs), relay.Deps{
		Routes: config.RouteFile{Path: rs.RoutesFile},
		Sender: delivery.NewClient(),
		Queue:  q,
		Audit:  st,
		Bus:    bus,
		Log:    log,
	})
	return &Core{Log: log, Logs: logs, Store: st, Queue: q, Relay: svc, Bus: bus}, nil
}

func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Logs != nil {
		errs = append(errs, c.Logs.Close())
	}
	return errors.Join(errs...)
}

func relayConfig(rs config.RelaySettings) relay.Config {
	return relay.Config{
		Endpoint:          rs.Endpoint,
		SendTimeout:       rs.SendTimeout,
		DrainAfterSuccess: rs.DrainAfterSuccess,
		DrainBatch:        rs.DrainBatch,
		DelayedMarker:     rs.DelayedMarker,
		LinkLabel:         rs.LinkLabel,
	}
}

// newLogging builds the logging service with the Telegram sink off. It is
// switched on by attachLogSink once the operator bot exists.
func newLogging(cfg *config.Config) (*logx.Service, logx.Logger) {
	lc := cfg.LogConfig()
	lc.Telegram.Enabled = false
	return logx.New(lc, nil)
}

// attachLogSink points the Telegram sink at the log chat. The target is set
// before Apply so an enabled sink never sees an empty target.
func attachLogSink(logs *logx.Service, cfg *config.Config, sender logx.Sender, logChatID int64) {
	lc := cfg.LogConfig()
	if sender == nil || logChatID == 0 {
		lc.Telegram.Enabled = false
	} else {
		logs.SetSender(sender)
		logs.SetTelegramTarget(logChatID, lc.Telegram.ThreadID)
	}
	logs.Apply(lc)
}

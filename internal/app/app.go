package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	rtsup "tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/transport/httpapi"
	"tgrelay/internal/transport/telegram/opsbot"
	logx "tgrelay/pkg/logx"
)

// App is the serve process: the relay core, the HTTP intake, the optional
// operator bot and the config hot-reload loop.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log  logx.Logger
	core *Core

	http *httpapi.Server
	ops  *opsbot.Bot
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, root := newLogging(cfg)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()
	core, err := newCore(cfg, logs, root, bus)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	hs, err := cfg.HTTPSettings()
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	srv := httpapi.NewServer(httpapi.Config{
		Addr:         hs.Addr,
		ReadTimeout:  hs.ReadTimeout,
		WriteTimeout: hs.WriteTimeout,
		IdleTimeout:  hs.IdleTimeout,
		Pprof:        hs.Pprof,
	}, core.Relay, root)

	sups := rtsup.NewRegistry()

	var ops *opsbot.Bot
	oc, err := cfg.OpsSettings()
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	if oc.Enabled {
		ops, err = opsbot.New(opsbot.Config{
			Token:        oc.Token,
			OwnerUserIDs: oc.OwnerUserIDs,
			PollTimeout:  oc.PollTimeout,
		}, core.Relay, sups, bus, root.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = core.Close()
			return nil, fmt.Errorf("operator bot: %w", err)
		}
		attachLogSink(logs, cfg, ops, oc.LogChatID)
	}

	return &App{
		cfgm: cfgm,
		sups: sups,
		log:  log,
		core: core,
		http: srv,
		ops:  ops,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound intake address once the listener is up.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	// Transactional reload: a config that fails validation is never committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.http.Start(a.sup.Context())
	a.sups.Set("http", a.http.Supervisor())

	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return err
		}
		a.sups.Set("telegram.opsbot", a.ops.Supervisor())
	}

	events, unsub := a.core.Bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig applies the live parts of a reloaded config: logging, relay
// tunables and operator owners. Everything else needs a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	lc := newCfg.LogConfig()
	oc, opsErr := newCfg.OpsSettings()
	if a.ops != nil && opsErr == nil && oc.LogChatID != 0 {
		a.core.Logs.SetTelegramTarget(oc.LogChatID, lc.Telegram.ThreadID)
	} else {
		a.core.Logs.SetTelegramTarget(0, 0)
		lc.Telegram.Enabled = false
	}
	a.core.Logs.Apply(lc)

	if rs, err := newCfg.RelaySettings(); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.core.Relay.Apply(relayConfig(rs))
	}
	if a.ops != nil && opsErr == nil {
		a.ops.Commands().SetOwners(oc.OwnerUserIDs)
	}

	a.core.Bus.Publish(eventbus.Event{Type: eventbus.TypeConfig, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.core.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if budget > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < budget {
					budget = rem
				}
			}
			if budget <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first so no new notification arrives while the rest unwinds.
	step("http", 5*time.Second, a.http.Stop)
	if a.ops != nil {
		step("telegram.opsbot", 3*time.Second, a.ops.Stop)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.core.Close()
}

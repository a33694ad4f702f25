// Package opsbot is the operator side of the relay on Telegram: a long-polling
// bot that answers queue commands from owners and receives the log sink.
package opsbot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgrelay/internal/eventbus"
	rtsup "tgrelay/internal/runtime/supervisor"
	logx "tgrelay/pkg/logx"
)

const telegramTextLimit = 4000

type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
	// URL overrides the Bot API base; empty means api.telegram.org.
	URL string
	// Offline skips the getMe call performed by telebot on construction.
	Offline bool
}

type Bot struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	cmds *Commands
	bus  eventbus.Bus

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the event recorder. Created on Start,
	// cancelled on Stop.
	sup *rtsup.Supervisor
}

func New(cfg Config, q Queue, sups *rtsup.Registry, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	o := &Bot{
		cfg:  cfg,
		log:  log,
		bot:  b,
		cmds: NewCommands(q, sups, cfg.OwnerUserIDs, log),
		bus:  bus,
	}
	o.bot.Handle(tele.OnText, o.onText)
	return o, nil
}

// Commands exposes the command set, e.g. to update owners on reload.
func (o *Bot) Commands() *Commands { return o.cmds }

// Supervisor returns the bot's supervisor (nil if not started).
func (o *Bot) Supervisor() *rtsup.Supervisor {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.sup
}

func (o *Bot) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	o.runMu.Lock()
	sup := o.sup
	o.runMu.Unlock()
	ctx := context.Background()
	if sup != nil {
		ctx = sup.Context()
	}

	reply, ok := o.cmds.Handle(ctx, m.Sender.ID, m.Text)
	if !ok {
		return nil
	}
	_, err := o.bot.Send(m.Chat, reply, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              m.ThreadID,
	})
	return err
}

func (o *Bot) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return nil
	}
	o.running = true
	o.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(o.log.With(logx.String("comp", "telegram.opsbot"))),
		// The bot is best-effort; it must not take the relay down.
		rtsup.WithCancelOnError(false),
	)
	sup := o.sup
	o.runMu.Unlock()

	sup.Go("events.recent", func(c context.Context) error {
		return o.cmds.Watch(c, o.bus)
	})

	// tele.Bot.Stop blocks until the poll loop takes it, which may be after
	// a restart backoff; keep it off the task so Wait is not held up.
	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		go o.bot.Stop()
		return nil
	})

	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		o.log.Info("polling started")
		o.bot.Start()
		o.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (o *Bot) Stop(ctx context.Context) error {
	o.runMu.Lock()
	sup := o.sup
	o.sup = nil
	wasRunning := o.running
	o.running = false
	o.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	o.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			o.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		o.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendLog implements logx.Sender. Log lines are sent as plain text.
func (o *Bot) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if rs := []rune(text); len(rs) > telegramTextLimit {
		text = string(rs[:telegramTextLimit])
	}
	_, err := o.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	})
	return err
}

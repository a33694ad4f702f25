package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

const (
	DefaultHTTPAddr          = "0.0.0.0:5000"
	DefaultSendTimeout       = 2 * time.Second
	DefaultDrainAfterSuccess = 3
	DefaultDrainBatch        = 10
	DefaultDelayedMarker     = "[delayed]"
	DefaultPollTimeout       = 10 * time.Second
)

// HTTPSettings is HTTPConfig with defaults applied and durations parsed.
type HTTPSettings struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

// RelaySettings is RelayConfig with defaults applied and durations parsed.
type RelaySettings struct {
	RoutesFile        string
	Endpoint          string
	SendTimeout       time.Duration
	DrainAfterSuccess int
	DrainBatch        int
	DelayedMarker     string
	LinkLabel         string
}

type OpsSettings struct {
	Enabled      bool
	Token        string
	OwnerUserIDs []int64
	LogChatID    int64
	PollTimeout  time.Duration
}

func (c *Config) HTTPSettings() (HTTPSettings, error) {
	h := c.HTTP
	out := HTTPSettings{Addr: strings.TrimSpace(h.Addr), Pprof: h.Pprof}
	if out.Addr == "" {
		out.Addr = DefaultHTTPAddr
	}
	var err error
	if out.ReadTimeout, err = duration("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return HTTPSettings{}, err
	}
	if out.WriteTimeout, err = duration("http.write_timeout", h.WriteTimeout, 30*time.Second); err != nil {
		return HTTPSettings{}, err
	}
	if out.IdleTimeout, err = duration("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return HTTPSettings{}, err
	}
	return out, nil
}

func (c *Config) RelaySettings() (RelaySettings, error) {
	r := c.Relay
	out := RelaySettings{
		RoutesFile:        strings.TrimSpace(r.RoutesFile),
		Endpoint:          strings.TrimSpace(r.Endpoint),
		DrainAfterSuccess: DefaultDrainAfterSuccess,
		DrainBatch:        r.DrainBatch,
		DelayedMarker:     strings.TrimSpace(r.DelayedMarker),
		LinkLabel:         strings.TrimSpace(r.LinkLabel),
	}
	if out.RoutesFile == "" {
		return RelaySettings{}, errors.New("relay.routes_file is required")
	}
	if out.Endpoint != "" {
		if u, err := url.Parse(out.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return RelaySettings{}, fmt.Errorf("relay.endpoint: invalid URL template %q", out.Endpoint)
		}
	}
	var err error
	if out.SendTimeout, err = duration("relay.send_timeout", r.SendTimeout, DefaultSendTimeout); err != nil {
		return RelaySettings{}, err
	}
	if r.DrainAfterSuccess != nil {
		if *r.DrainAfterSuccess < 0 {
			return RelaySettings{}, errors.New("relay.drain_after_success must be >= 0")
		}
		out.DrainAfterSuccess = *r.DrainAfterSuccess
	}
	if out.DrainBatch < 0 {
		return RelaySettings{}, errors.New("relay.drain_batch must be >= 0")
	}
	if out.DrainBatch == 0 {
		out.DrainBatch = DefaultDrainBatch
	}
	if out.DelayedMarker == "" {
		out.DelayedMarker = DefaultDelayedMarker
	}
	return out, nil
}

func (c *Config) StorageSettings() (storage.Config, error) {
	s := c.Storage
	out := storage.Config{Driver: strings.ToLower(strings.TrimSpace(s.Driver)), Path: strings.TrimSpace(s.Path)}
	switch out.Driver {
	case "", "file", "sqlite", "sqlite3", "memory":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	bt, err := duration("storage.busy_timeout", s.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = bt
	return out, nil
}

func (c *Config) OpsSettings() (OpsSettings, error) {
	o := c.Ops
	out := OpsSettings{
		Enabled:      o.Enabled,
		Token:        strings.TrimSpace(o.Token),
		OwnerUserIDs: o.OwnerUserIDs,
		LogChatID:    o.LogChatID,
	}
	if out.Enabled && out.Token == "" {
		return OpsSettings{}, errors.New("ops.token is required when ops.enabled")
	}
	var err error
	if out.PollTimeout, err = duration("ops.poll_timeout", o.PollTimeout, DefaultPollTimeout); err != nil {
		return OpsSettings{}, err
	}
	return out, nil
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// Validate resolves every section and returns all problems at once.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.HTTPSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RelaySettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.OpsSettings(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

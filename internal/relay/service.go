// Package relay accepts push notifications, routes, formats and delivers
// them, and queues failures for later redelivery.
//
// Delivery of one notification is all-or-nothing over its chunks: the first
// failing chunk stops the send and the whole notification is queued. A
// retried notification is sent again from its first chunk.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/delivery"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/format"
	"tgrelay/internal/metrics"
	"tgrelay/internal/queue"
	"tgrelay/internal/routing"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"

	"github.com/google/uuid"
)

const markerTimeFormat = "2006-01-02 15:04:05"

// RouteSource returns the current routing table. It is called once per
// Submit or DrainStatus.
type RouteSource interface {
	Load() ([]routing.Rule, error)
}

// RouteFunc adapts a function to RouteSource.
type RouteFunc func() ([]routing.Rule, error)

func (f RouteFunc) Load() ([]routing.Rule, error) { return f() }

// Config holds the tunables that may change on config reload.
type Config struct {
	Endpoint          string
	SendTimeout       time.Duration
	DrainAfterSuccess int // 0 disables the drain after a successful delivery
	DrainBatch        int
	DelayedMarker     string
	LinkLabel         string
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = delivery.DefaultTimeout
	}
	if c.DrainAfterSuccess < 0 {
		c.DrainAfterSuccess = 0
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 10
	}
	if strings.TrimSpace(c.DelayedMarker) == "" {
		c.DelayedMarker = "[delayed]"
	}
	if strings.TrimSpace(c.LinkLabel) == "" {
		c.LinkLabel = format.DefaultLinkLabel
	}
	return c
}

// Deps are the collaborators of a Service. Audit and Bus may be nil.
type Deps struct {
	Routes RouteSource
	Sender delivery.Sender
	Queue  *queue.Store
	Audit  storage.Store
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Service is safe for concurrent use.
type Service struct {
	mu  sync.RWMutex
	cfg Config

	routes RouteSource
	sender delivery.Sender
	queue  *queue.Store
	audit  storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	routes := d.Routes
	if routes == nil {
		routes = RouteFunc(func() ([]routing.Rule, error) { return nil, nil })
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		routes: routes,
		sender: d.Sender,
		queue:  d.Queue,
		audit:  d.Audit,
		bus:    bus,
		log:    log.With(logx.String("comp", "relay")),
		now:    time.Now,
	}
}

// Apply swaps the tunables. In-flight operations keep the values they
// started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Submit validates and delivers one notification. A delivery failure is
// not an error: the notification is queued and the result says so.
// Only a *ValidationError is returned as error.
func (s *Service) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// A caller that hangs up must not cost the notification: the audit and
	// queue writes have to land. Sends stay bounded by SendTimeout.
	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	now := s.now()
	n := Notification{
		ID:         uuid.NewString(),
		ChannelID:  strings.TrimSpace(sub.ChannelID),
		ChatID:     strings.TrimSpace(sub.ChatID),
		Title:      sub.Title,
		Body:       sub.Body,
		Link:       strings.TrimSpace(sub.Link),
		ReceivedAt: now,
	}
	res := SubmitResult{ID: n.ID}

	s.recordInbound(ctx, n.ID, sub, now)

	if err := check(sub); err != nil {
		metrics.Notifications.WithLabelValues(metrics.OutcomeRejected).Inc()
		s.log.Info("submission rejected", logx.String("id", n.ID), logx.Err(err))
		return res, err
	}

	log := s.log.With(logx.String("id", n.ID), logx.Token("bot", n.ChannelID), logx.String("chat", n.ChatID))

	rules, err := s.routes.Load()
	if err != nil {
		// Without a routing table the destination is unknown; keep it for later.
		log.Error("routing table unreadable; queueing", logx.Err(err))
		return s.queueFailed(ctx, cfg, n, res)
	}

	ack, err := s.deliver(ctx, cfg, rules, n)
	if err != nil {
		log.Warn("delivery failed; queueing", logx.Err(err))
		return s.queueFailed(ctx, cfg, n, res)
	}

	metrics.Notifications.WithLabelValues(metrics.OutcomeDelivered).Inc()
	res.Delivered = true
	res.Ack = ack.Raw
	log.Info("notification delivered", logx.Int("message_id", ack.MessageID))

	if cfg.DrainAfterSuccess > 0 {
		dr, err := s.drain(ctx, cfg, rules, cfg.DrainAfterSuccess, metrics.TriggerSuccess)
		if err != nil {
			s.persistenceError("drain", err)
		}
		res.Queued = dr.Pending
	} else {
		res.Queued = s.count(ctx)
	}
	s.publish(eventbus.TypeDelivered, n, res.Queued)
	return res, nil
}

func (s *Service) queueFailed(ctx context.Context, cfg Config, n Notification, res SubmitResult) (SubmitResult, error) {
	metrics.Notifications.WithLabelValues(metrics.OutcomeQueued).Inc()
	n.Body = markDelayed(n.Body, cfg.DelayedMarker, n.ReceivedAt)
	n.EnqueuedAt = s.now()

	pending, err := s.queue.Enqueue(ctx, n.record())
	if err != nil {
		s.persistenceError("enqueue", err, logx.String("id", n.ID))
		return res, nil
	}
	metrics.Pending.Set(float64(pending))
	res.Queued = pending
	s.publish(eventbus.TypeQueued, n, pending)
	return res, nil
}

// DrainStatus reports or drains the pending queue.
//
// Modes: "count" (or empty) only counts; "all" attempts every queued
// notification; "batch" attempts up to size (size <= 0 means the
// configured batch).
func (s *Service) DrainStatus(ctx context.Context, mode string, size int) (DrainReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.config()
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeCount
	}
	rep := DrainReport{Mode: mode}

	limit := 0
	switch mode {
	case ModeCount:
		n, err := s.queue.Count(ctx)
		if err != nil {
			s.persistenceError("count", err)
			return rep, err
		}
		metrics.Pending.Set(float64(n))
		rep.Pending = n
		return rep, nil
	case ModeAll:
	case ModeBatch:
		limit = size
		if limit <= 0 {
			limit = cfg.DrainBatch
		}
	default:
		return rep, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	rules, err := s.routes.Load()
	if err != nil {
		return rep, fmt.Errorf("load routes: %w", err)
	}
	r, err := s.drain(ctx, cfg, rules, limit, metrics.TriggerManual)
	rep.Attempted, rep.Delivered, rep.Failed, rep.Pending = r.Attempted, r.Delivered, r.Failed, r.Pending
	if err != nil {
		s.persistenceError("drain", err)
		return rep, err
	}
	return rep, nil
}

func (s *Service) drain(ctx context.Context, cfg Config, rules []routing.Rule, limit int, trigger string) (queue.Result, error) {
	metrics.Drains.WithLabelValues(trigger).Inc()
	res, err := s.queue.Drain(ctx, limit, func(ctx context.Context, r storage.PendingRecord) error {
		n := fromRecord(r)
		if _, err := s.deliver(ctx, cfg, rules, n); err != nil {
			return err
		}
		metrics.Notifications.WithLabelValues(metrics.OutcomeRedeliver).Inc()
		s.publish(eventbus.TypeRedelivered, n, -1)
		return nil
	})
	if err == nil {
		metrics.Pending.Set(float64(res.Pending))
	}
	if res.Attempted > 0 {
		s.log.Info("queue drained",
			logx.String("trigger", trigger),
			logx.Int("attempted", res.Attempted),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
			logx.Int("pending", res.Pending),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDrained, Data: eventbus.Drain{
			Trigger:   trigger,
			Attempted: res.Attempted,
			Delivered: res.Delivered,
			Failed:    res.Failed,
			Pending:   res.Pending,
		}})
	}
	return res, err
}

// deliver resolves, formats and sends n chunk by chunk, stopping at the
// first failure.
func (s *Service) deliver(ctx context.Context, cfg Config, rules []routing.Rule, n Notification) (delivery.Ack, error) {
	if s.sender == nil {
		return delivery.Ack{}, &delivery.TransportError{Err: fmt.Errorf("no sender configured")}
	}
	dst := routing.Resolve(rules, n.ChannelID, n.ChatID, n.Title, n.Body)

	tmpl, proxy, main := cfg.Endpoint, "", n.ChannelID
	if dst.Rule != nil {
		if dst.Rule.Endpoint != "" {
			tmpl = dst.Rule.Endpoint
		}
		proxy = dst.Rule.Proxy
		main = dst.Rule.ChannelID
	}
	endpoint := delivery.Endpoint(tmpl, dst.ChannelID, main)
	shown := delivery.Endpoint(tmpl, logx.Redact(dst.ChannelID), logx.Redact(main))

	chunks := format.Formatter{LinkLabel: cfg.LinkLabel}.Format(n.Title, n.Body, dst.Delimiter, n.Link)

	var ack delivery.Ack
	for i, text := range chunks {
		var err error
		ack, err = s.sender.Send(ctx, delivery.Request{
			Endpoint: endpoint,
			ChatID:   dst.ChatID,
			Text:     text,
			Proxy:    proxy,
			Timeout:  cfg.SendTimeout,
		})
		s.recordOutbound(ctx, n.ID, shown, dst.ChatID, i, len(chunks), text, err)
		if err != nil {
			metrics.ChunkSends.WithLabelValues("failed").Inc()
			return delivery.Ack{}, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		metrics.ChunkSends.WithLabelValues("ok").Inc()
	}
	return ack, nil
}

// markDelayed prefixes body with the marker and capture time unless the
// marker is already present. Unlike a trailing marker, a leading one
// survives a route delimiter that cuts the rest of the body.
func markDelayed(body, marker string, at time.Time) string {
	if marker == "" || strings.Contains(body, marker) {
		return body
	}
	line := marker + " " + at.Format(markerTimeFormat)
	if body == "" {
		return line
	}
	return line + "\n" + body
}

func (s *Service) count(ctx context.Context) int {
	n, err := s.queue.Count(ctx)
	if err != nil {
		s.persistenceError("count", err)
		return 0
	}
	metrics.Pending.Set(float64(n))
	return n
}

func (s *Service) publish(typ string, n Notification, pending int) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Notification{
		ID:        n.ID,
		ChannelID: logx.Redact(n.ChannelID),
		ChatID:    n.ChatID,
		Title:     n.Title,
		Pending:   pending,
	}})
}

func (s *Service) persistenceError(op string, err error, fields ...logx.Field) {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	s.log.Error("persistence failed", append([]logx.Field{logx.String("op", op), logx.Err(err)}, fields...)...)
}

func (s *Service) recordInbound(ctx context.Context, id string, sub Submission, at time.Time) {
	if s.audit == nil {
		return
	}
	red := sub
	red.ChannelID = logx.Redact(sub.ChannelID)
	b, _ := json.Marshal(red)
	if err := s.audit.AppendAudit(ctx, storage.AuditEntry{
		At:      at,
		Stream:  storage.AuditInbound,
		ID:      id,
		ChatID:  strings.TrimSpace(sub.ChatID),
		OK:      true,
		Payload: b,
	}); err != nil {
		s.persistenceError("audit.inbound", err, logx.String("id", id))
	}
}

type outboundPayload struct {
	Chunk  int    `json:"chunk"`
	Chunks int    `json:"chunks"`
	Text   string `json:"text"`
}

func (s *Service) recordOutbound(ctx context.Context, id, endpoint, chatID string, i, total int, text string, sendErr error) {
	if s.audit == nil {
		return
	}
	b, _ := json.Marshal(outboundPayload{Chunk: i + 1, Chunks: total, Text: text})
	e := storage.AuditEntry{
		At:       s.now(),
		Stream:   storage.AuditOutbound,
		ID:       id,
		Endpoint: endpoint,
		ChatID:   chatID,
		OK:       sendErr == nil,
		Payload:  b,
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	if err := s.audit.AppendAudit(ctx, e); err != nil {
		s.persistenceError("audit.outbound", err, logx.String("id", id))
	}
}

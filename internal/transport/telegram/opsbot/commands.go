package opsbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/relay"
	rtsup "tgrelay/internal/runtime/supervisor"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/tgui"
)

// Queue is the part of the relay the operator commands drive.
type Queue interface {
	DrainStatus(ctx context.Context, mode string, size int) (relay.DrainReport, error)
}

const (
	defaultCommandTimeout = 30 * time.Second
	maxDrainArg           = 10000
	recentCap             = 20
)

// Commands parses and serves operator commands. It is independent of telebot
// so the command surface can be exercised without the network.
type Commands struct {
	queue   Queue
	sups    *rtsup.Registry
	log     logx.Logger
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	owners []int64

	recent *ring
}

func NewCommands(q Queue, sups *rtsup.Registry, owners []int64, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{
		queue:   q,
		sups:    sups,
		log:     log,
		timeout: defaultCommandTimeout,
		started: time.Now(),
		owners:  append([]int64(nil), owners...),
		recent:  newRing(recentCap),
	}
}

// SetOwners replaces the owner list.
func (c *Commands) SetOwners(owners []int64) {
	c.mu.Lock()
	c.owners = append([]int64(nil), owners...)
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Handle serves one message. ok is false when text is not a known command;
// the reply is Telegram HTML.
func (c *Commands) Handle(ctx context.Context, fromID int64, text string) (reply string, ok bool) {
	name, args := parseCommand(text)
	if name == "" {
		return "", false
	}
	switch name {
	case "start", "help", "pending", "drain", "flush", "status", "recent":
	default:
		return "", false
	}
	if !c.isOwner(fromID) {
		c.log.Warn("operator command rejected", logx.Int64("from_id", fromID), logx.String("cmd", name))
		return "unauthorized", true
	}

	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch name {
	case "start", "help":
		reply = helpText()
	case "pending":
		reply, err = c.drain(cctx, relay.ModeCount, 0)
	case "drain":
		size, perr := parseSize(args)
		if perr != nil {
			return tgui.Esc(perr.Error()).String(), true
		}
		reply, err = c.drain(cctx, relay.ModeBatch, size)
	case "flush":
		reply, err = c.drain(cctx, relay.ModeAll, 0)
	case "status":
		reply, err = c.status(cctx)
	case "recent":
		reply = renderRecent(c.recent.items())
	}

	fields := []logx.Field{logx.Int64("from_id", fromID), logx.String("cmd", name), logx.Duration("dur", time.Since(start))}
	if err != nil {
		c.log.Warn("operator command failed", append(fields, logx.Err(err))...)
		return "❌ " + tgui.Esc(err.Error()).String(), true
	}
	c.log.Info("operator command ok", fields...)
	return reply, true
}

func (c *Commands) drain(ctx context.Context, mode string, size int) (string, error) {
	if c.queue == nil {
		return "", errors.New("relay not ready")
	}
	rep, err := c.queue.DrainStatus(ctx, mode, size)
	if err != nil {
		return "", err
	}
	return renderDrain(rep), nil
}

func (c *Commands) status(ctx context.Context) (string, error) {
	var b strings.Builder
	b.WriteString(tgui.B("tgrelay").String())
	b.WriteString("\nuptime: ")
	b.WriteString(tgui.Code(time.Since(c.started).Truncate(time.Second).String()).String())

	if c.queue != nil {
		rep, err := c.queue.DrainStatus(ctx, relay.ModeCount, 0)
		if err != nil {
			return "", err
		}
		b.WriteString("\npending: ")
		b.WriteString(tgui.Code(strconv.Itoa(rep.Pending)).String())
	}

	snaps := c.sups.Snapshots()
	for _, name := range c.sups.Names() {
		snap := snaps[name]
		b.WriteString("\n\n")
		b.WriteString(tgui.B(name).String())
		if snap.FirstError != "" {
			b.WriteString("\nerror: ")
			b.WriteString(tgui.Code(tgui.TruncRunes(snap.FirstError, 200)).String())
		}
		for _, t := range snap.Tasks {
			state := "stopped"
			if t.Running {
				state = "running"
			}
			b.WriteString(fmt.Sprintf("\n• %s %s starts=%d restarts=%d panics=%d",
				tgui.Code(t.Name), state, t.Starts, t.Restarts, t.Panics))
			if t.LastErr != "" {
				b.WriteString(" last_err=")
				b.WriteString(tgui.Esc(tgui.TruncRunes(t.LastErr, 120)).String())
			}
		}
	}
	return b.String(), nil
}

// Watch records bus events for /recent until ctx is done.
func (c *Commands) Watch(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		return nil
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.recent.add(e)
		}
	}
}

// parseCommand splits "/drain@relay_bot 5" into ("drain", ["5"]).
func parseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		return "", nil
	}
	name := parts[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), parts[1:]
}

// parseSize reads the optional batch size of /drain. Zero means the
// configured batch.
func parseSize(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("usage: /drain [n], n must be a positive number (got %q)", args[0])
	}
	if n > maxDrainArg {
		n = maxDrainArg
	}
	return n, nil
}

func helpText() string {
	return strings.Join([]string{
		tgui.B("Operator commands").String(),
		"/pending show the number of queued notifications",
		"/drain [n] redeliver up to n queued notifications",
		"/flush redeliver every queued notification",
		"/status queue and task health",
		"/recent latest relay events",
	}, "\n")
}

func renderDrain(rep relay.DrainReport) string {
	if rep.Mode == relay.ModeCount {
		return "📥 pending: " + tgui.Code(strconv.Itoa(rep.Pending)).String()
	}
	icon := "✅"
	if rep.Failed > 0 {
		icon = "⚠️"
	}
	return fmt.Sprintf("%s %s attempted=%d delivered=%d failed=%d\npending: %s",
		icon, tgui.B(rep.Mode), rep.Attempted, rep.Delivered, rep.Failed, tgui.Code(strconv.Itoa(rep.Pending)))
}

func renderRecent(events []eventbus.Event) string {
	if len(events) == 0 {
		return "no events yet"
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		line := tgui.Code(e.Time.Format("15:04:05")).String() + " " + tgui.Esc(e.Type).String()
		switch d := e.Data.(type) {
		case eventbus.Notification:
			line += " " + tgui.Esc(d.ID).String()
			if d.Title != "" {
				line += " " + tgui.Esc(tgui.TruncRunes(d.Title, 60)).String()
			}
			if d.Pending >= 0 {
				line += fmt.Sprintf(" (pending %d)", d.Pending)
			}
		case eventbus.Drain:
			line += fmt.Sprintf(" %s %d/%d delivered (pending %d)", tgui.Esc(d.Trigger), d.Delivered, d.Attempted, d.Pending)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ring keeps the newest n events, oldest first.
type ring struct {
	mu  sync.Mutex
	buf []eventbus.Event
	max int
}

func newRing(n int) *ring { return &ring{max: n} }

func (r *ring) add(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, e)
	if len(r.buf) > r.max {
		r.buf = append(r.buf[:0:0], r.buf[len(r.buf)-r.max:]...)
	}
}

func (r *ring) items() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.buf...)
}

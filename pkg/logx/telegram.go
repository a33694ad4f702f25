package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	tgQueueSize   = 256
	tgSendTimeout = 5 * time.Second
	tgMaxText     = 3500
	tgMaxValue    = 600
	ellipsis      = "…"
)

// telegramSink is a zerolog.LevelWriter that renders entries into short
// chat messages and hands them to a rate limited worker. Writes never block
// the caller; entries are dropped when the queue is full.
type telegramSink struct {
	mu       sync.Mutex
	sender   Sender
	chatID   int64
	threadID int
	minLevel Level

	limiter *rate.Limiter
	queue   chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan string, tgQueueSize),
	}
}

func (s *telegramSink) setSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *telegramSink) setTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.chatID = chatID
	if threadID != 0 {
		s.threadID = threadID
	}
	s.mu.Unlock()
}

func (s *telegramSink) hasTarget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID != 0
}

func (s *telegramSink) configure(cfg TelegramConfig) {
	per := max(1, cfg.RatePerSec)
	s.mu.Lock()
	s.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	if cfg.ThreadID != 0 {
		s.threadID = cfg.ThreadID
	}
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(per))
	s.limiter.SetBurst(per)
}

func (s *telegramSink) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.done)
}

func (s *telegramSink) stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	s.wg.Wait()
}

func (s *telegramSink) run(done <-chan struct{}) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	for {
		select {
		case <-done:
			return
		case text := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.send(ctx, text)
		}
	}
}

func (s *telegramSink) send(ctx context.Context, text string) {
	s.mu.Lock()
	sender, chatID, threadID := s.sender, s.chatID, s.threadID
	s.mu.Unlock()
	if sender == nil || chatID == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, tgSendTimeout)
	defer cancel()
	// Logging here would loop back into the sink.
	if err := sender.SendLog(sctx, chatID, threadID, text); err != nil {
		fmt.Fprintf(os.Stderr, "logx: telegram send: %v\n", err)
	}
}

func (s *telegramSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

func (s *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.Lock()
	floor := s.minLevel
	s.mu.Unlock()
	if level < floor {
		return len(p), nil
	}
	text := formatTelegramJSON(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.queue <- text:
	default:
	}
	return len(p), nil
}

// formatTelegramJSON turns one zerolog JSON line into
//
//	[LEVEL] message
//	- key=value
//
// with keys sorted. Input that is not JSON is passed through trimmed.
func formatTelegramJSON(p []byte) string {
	raw := bytes.TrimSpace(p)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return truncate(string(raw), tgMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(truncate(msg, tgMaxValue))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), tgMaxValue))
	}
	return truncate(b.String(), tgMaxText)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order, so a later field
// with the same key wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field   { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds the error under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Token logs a bot token in redacted form.
func Token(k, token string) Field {
	return func(e *zerolog.Event) { e.Str(k, Redact(token)) }
}

// Redact keeps the numeric bot id of a Telegram token and hides the secret.
//
//	"123456:AAHk..." -> "123456:***"
func Redact(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if i := strings.IndexByte(token, ':'); i >= 0 {
		return token[:i] + ":***"
	}
	if len(token) <= 4 {
		return "***"
	}
	return token[:4] + "***"
}

package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tgrelay/internal/storage"
)

// Drain modes accepted by DrainStatus.
const (
	ModeCount = "count"
	ModeAll   = "all"
	ModeBatch = "batch"
)

var ErrUnknownMode = errors.New("unknown drain mode")

// Submission is one inbound push request. JSON names are the intake
// parameter names.
type Submission struct {
	ChannelID string `json:"bot_id" validate:"required"`
	ChatID    string `json:"chat_id" validate:"required"`
	Title     string `json:"title" validate:"required"`
	Body      string `json:"desp,omitempty"`
	Link      string `json:"url,omitempty"`
}

// ValidationError lists the required intake fields that were absent or blank.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// Messages renders one line per missing field.
func (e *ValidationError) Messages() []string {
	out := make([]string, 0, len(e.Missing))
	for _, f := range e.Missing {
		out = append(out, f+" is a required field.")
	}
	return out
}

// Notification is a validated submission moving through the relay.
type Notification struct {
	ID         string
	ChannelID  string
	ChatID     string
	Title      string
	Body       string
	Link       string
	ReceivedAt time.Time
	EnqueuedAt time.Time
}

// Delayed reports whether the body already carries marker.
func (n Notification) Delayed(marker string) bool {
	return marker != "" && strings.Contains(n.Body, marker)
}

func (n Notification) record() storage.PendingRecord {
	return storage.PendingRecord{
		ID:         n.ID,
		ChannelID:  n.ChannelID,
		ChatID:     n.ChatID,
		Title:      n.Title,
		Body:       n.Body,
		Link:       n.Link,
		ReceivedAt: n.ReceivedAt,
		EnqueuedAt: n.EnqueuedAt,
	}
}

func fromRecord(r storage.PendingRecord) Notification {
	return Notification{
		ID:         r.ID,
		ChannelID:  r.ChannelID,
		ChatID:     r.ChatID,
		Title:      r.Title,
		Body:       r.Body,
		Link:       r.Link,
		ReceivedAt: r.ReceivedAt,
		EnqueuedAt: r.EnqueuedAt,
	}
}

// SubmitResult is the outcome of Submit.
//
// Delivered is true when every chunk was accepted; Ack is then the API
// reply to the last chunk. Otherwise the notification was queued and
// Queued is the queue length afterwards.
type SubmitResult struct {
	ID        string
	Delivered bool
	Queued    int
	Ack       json.RawMessage
}

// DrainReport is the outcome of DrainStatus.
type DrainReport struct {
	Mode      string `json:"mode"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

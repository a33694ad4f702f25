package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"tgrelay/internal/routing"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// routeEntry is one element of the routes file (bot_config.json layout).
type routeEntry struct {
	MainBotID string        `json:"main_bot_id" validate:"required"`
	ChatID    chatRef       `json:"chat_id,omitempty"`
	APIURL    string        `json:"api_url,omitempty" validate:"omitempty,url"`
	Proxy     string        `json:"proxy,omitempty" validate:"omitempty,url"`
	SubBots   []subBotEntry `json:"sub_bots,omitempty" validate:"dive"`
}

type subBotEntry struct {
	BotID     string   `json:"bot_id,omitempty"`
	ChatID    chatRef  `json:"chat_id,omitempty"`
	Keywords  []string `json:"keywords"`
	Delimiter string   `json:"delimiter,omitempty"`
}

// chatRef is a chat id written either as a string or as a bare number
// (YAML users rarely quote -100123...).
type chatRef string

func (c *chatRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = chatRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("chat_id must be a string or a number")
	}
	*c = chatRef(n.String())
	return nil
}

// RouteFile is the routing table on disk. Load reads the file every time
// it is called so edits apply to the next operation without a restart.
type RouteFile struct {
	Path string
}

func (f RouteFile) Load() ([]routing.Rule, error) {
	var entries []routeEntry
	if err := decodeFile(f.Path, &entries); err != nil {
		return nil, fmt.Errorf("routes %s: %w", filepath.Base(f.Path), err)
	}

	rules := make([]routing.Rule, 0, len(entries))
	for i, e := range entries {
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("routes %s: entry %d: %w", filepath.Base(f.Path), i, describe(err))
		}
		r := routing.Rule{
			ChannelID: strings.TrimSpace(e.MainBotID),
			ChatID:    strings.TrimSpace(string(e.ChatID)),
			Endpoint:  strings.TrimSpace(e.APIURL),
			Proxy:     strings.TrimSpace(e.Proxy),
		}
		for _, sb := range e.SubBots {
			r.Routes = append(r.Routes, routing.SubRoute{
				ChannelID: strings.TrimSpace(sb.BotID),
				ChatID:    strings.TrimSpace(string(sb.ChatID)),
				Keywords:  sb.Keywords,
				Delimiter: sb.Delimiter,
			})
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// describe flattens validator errors to "field: tag" pairs with json names.
func describe(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		parts = append(parts, ns+": "+fe.Tag())
	}
	return errors.New(strings.Join(parts, ", "))
}

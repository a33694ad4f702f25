// Package routing maps an inbound (channel, chat, content) tuple to the
// destination channel and chat by keyword match against an ordered rule list.
package routing

import "strings"

// Rule is one entry of the routing table.
//
// ChatID empty matches any inbound chat. Endpoint and Proxy are transport
// settings carried along for the dispatcher; routing ignores them.
type Rule struct {
	ChannelID string
	ChatID    string
	Endpoint  string
	Proxy     string
	Routes    []SubRoute
}

// SubRoute redirects matching notifications to another channel/chat.
//
// ChatID empty keeps the inbound chat id. Delimiter, when set, marks where
// the formatter cuts the body.
type SubRoute struct {
	ChannelID string
	ChatID    string
	Keywords  []string
	Delimiter string
}

// Destination is the result of Resolve.
//
// Matched is false for identity routing (no sub-route matched); Rule is the
// first rule whose primary channel/chat matched, or nil if none did.
type Destination struct {
	ChannelID string
	ChatID    string
	Delimiter string
	Rule      *Rule
	Matched   bool
}

// Resolve scans rules in order. The first rule whose primary channel equals
// channelID (and whose ChatID is empty or equals chatID) is used; within it
// the first sub-route with any keyword contained (case-insensitive) in title
// or body wins. Later rules are never consulted once one rule matched.
func Resolve(rules []Rule, channelID, chatID, title, body string) Destination {
	dst := Destination{ChannelID: channelID, ChatID: chatID}

	for i := range rules {
		r := &rules[i]
		if r.ChannelID != channelID {
			continue
		}
		if r.ChatID != "" && r.ChatID != chatID {
			continue
		}
		dst.Rule = r

		lt := strings.ToLower(title)
		lb := strings.ToLower(body)
		for _, sr := range r.Routes {
			if !matchAny(sr.Keywords, lt, lb) {
				continue
			}
			dst.ChannelID = sr.ChannelID
			if dst.ChannelID == "" {
				dst.ChannelID = channelID
			}
			if sr.ChatID != "" {
				dst.ChatID = sr.ChatID
			}
			dst.Delimiter = sr.Delimiter
			dst.Matched = true
			return dst
		}
		return dst
	}
	return dst
}

func matchAny(keywords []string, lowerTitle, lowerBody string) bool {
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		if k == "" {
			// An empty keyword would match everything; treat it as unset.
			continue
		}
		if strings.Contains(lowerTitle, k) || strings.Contains(lowerBody, k) {
			return true
		}
	}
	return false
}

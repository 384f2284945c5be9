// Package bus defines the Message Bus contract used by the engine: JSON
// payloads published on slash-separated topics, and subscriptions on topic
// patterns whose {name} segments are extracted as path parameters.
package bus

import (
	"context"
	"fmt"
	"strings"
)

// Handler processes one inbound message. params holds the values of the
// pattern's {name} segments.
type Handler func(ctx context.Context, topic string, payload []byte, params map[string]string)

// MessageBus publishes JSON payloads and dispatches inbound messages.
type MessageBus interface {
	// Publish marshals payload to JSON (unless it is already []byte) and sends it.
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe registers h for every topic matching pattern.
	Subscribe(pattern string, h Handler) error
}

// Pattern is a compiled topic pattern such as "vpp/events/{eventId}/responses/{siteId}".
type Pattern struct {
	raw      string
	segments []string
}

// Compile parses a pattern. Segments written {name} capture a single topic
// level; "+" matches a level without capturing; "#" as the last segment
// matches any remainder.
func Compile(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, fmt.Errorf("empty topic pattern")
	}
	segs := strings.Split(pattern, "/")
	seen := map[string]bool{}
	for i, s := range segs {
		if s == "#" && i != len(segs)-1 {
			return Pattern{}, fmt.Errorf("pattern %q: # must be last", pattern)
		}
		if name, ok := paramName(s); ok {
			if name == "" || seen[name] {
				return Pattern{}, fmt.Errorf("pattern %q: bad parameter %q", pattern, s)
			}
			seen[name] = true
		}
	}
	return Pattern{raw: pattern, segments: segs}, nil
}

// MustCompile is like Compile but panics on error. Use for package-level patterns.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func paramName(seg string) (string, bool) {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// String returns the raw pattern.
func (p Pattern) String() string { return p.raw }

// Filter returns the MQTT subscription filter equivalent of the pattern.
func (p Pattern) Filter() string {
	out := make([]string, len(p.segments))
	for i, s := range p.segments {
		if _, ok := paramName(s); ok {
			out[i] = "+"
			continue
		}
		out[i] = s
	}
	return strings.Join(out, "/")
}

// Match reports whether topic matches and returns the captured parameters.
func (p Pattern) Match(topic string) (map[string]string, bool) {
	levels := strings.Split(topic, "/")
	params := map[string]string{}
	for i, s := range p.segments {
		if s == "#" {
			return params, true
		}
		if i >= len(levels) {
			return nil, false
		}
		if name, ok := paramName(s); ok {
			if levels[i] == "" {
				return nil, false
			}
			params[name] = levels[i]
			continue
		}
		if s != "+" && s != levels[i] {
			return nil, false
		}
	}
	if len(levels) != len(p.segments) {
		return nil, false
	}
	return params, true
}

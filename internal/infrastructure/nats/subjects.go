package nats

import "strings"

// DefaultSubjectPrefix is the root of every Pebble Core subject when no
// prefix is configured.
const DefaultSubjectPrefix = "pebble"

// Subjects builds Pebble Core NATS subjects under a configurable prefix.
//
//	{prefix}.event.{kind}              inbound device events
//	{prefix}.outcome.{kind}.{device}   handler outcomes
type Subjects struct {
	Prefix string
}

// NewSubjects returns a subject builder rooted at prefix.
func NewSubjects(prefix string) Subjects {
	return Subjects{Prefix: strings.Trim(prefix, ".")}
}

func (s Subjects) root() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

// Event returns the subject for inbound events of the given kind.
//
// Example: pebble.event.binding
func (s Subjects) Event(kind string) string {
	return s.root() + ".event." + kind
}

// AllEvents matches every event kind.
func (s Subjects) AllEvents() string {
	return s.Event("*")
}

// Outcome returns the subject a handler outcome is published on.
func (s Subjects) Outcome(kind, deviceID string) string {
	if deviceID == "" {
		deviceID = "_"
	}
	return s.root() + ".outcome." + kind + "." + sanitizeToken(deviceID)
}

// ParseEvent extracts the kind from an inbound event subject.
func (s Subjects) ParseEvent(subject string) (kind string, ok bool) {
	rest, found := strings.CutPrefix(subject, s.root()+".event.")
	if !found || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	return rest, true
}

// sanitizeToken keeps a value to one literal subject token.
func sanitizeToken(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}

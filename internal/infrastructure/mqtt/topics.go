package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is the root of every Pebble Core topic when no prefix
// is configured.
const DefaultTopicPrefix = "pebble"

// Topic segments below the prefix.
const (
	segmentEvent   = "event"
	segmentOutcome = "outcome"
	segmentSystem  = "system"
)

// Topics builds Pebble Core MQTT topics under a configurable prefix.
//
// Layout:
//
//	{prefix}/event/{kind}[/{device_id}]    inbound device events
//	{prefix}/outcome/{kind}/{device_id}    handler outcomes
//	{prefix}/system/status                 retained online/offline status
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

// NewTopics returns a topic builder rooted at prefix.
// Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.Trim(prefix, "/")}
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Event returns the topic devices publish events of the given kind on.
//
// Example: pebble/event/registered
func (t Topics) Event(kind string) string {
	return t.root() + "/" + segmentEvent + "/" + kind
}

// DeviceEvent returns the per-device variant of an event topic.
//
// Example: pebble/event/data/pebble-001
func (t Topics) DeviceEvent(kind, deviceID string) string {
	return t.Event(kind) + "/" + sanitizeLevel(deviceID)
}

// AllEvents matches every event topic, with or without a device suffix.
//
// Example: pebble/event/#
func (t Topics) AllEvents() string {
	return t.root() + "/" + segmentEvent + "/#"
}

// Outcome returns the topic a handler outcome is published on.
// Characters that are not valid in a topic level are replaced.
//
// Example: pebble/outcome/data/pebble-001
func (t Topics) Outcome(kind, deviceID string) string {
	if deviceID == "" {
		deviceID = "_"
	}
	return t.root() + "/" + segmentOutcome + "/" + kind + "/" + sanitizeLevel(deviceID)
}

// AllOutcomes matches every outcome topic.
func (t Topics) AllOutcomes() string {
	return t.root() + "/" + segmentOutcome + "/#"
}

// SystemStatus returns the retained status topic used for the LWT.
//
// Example: pebble/system/status
func (t Topics) SystemStatus() string {
	return t.root() + "/" + segmentSystem + "/status"
}

// ParseEvent extracts the event kind from an inbound event topic.
// Both {prefix}/event/{kind} and {prefix}/event/{kind}/{device_id} are
// accepted; anything deeper is not an event topic.
func (t Topics) ParseEvent(topic string) (kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.root()+"/"+segmentEvent+"/")
	if !found {
		return "", false
	}
	kind, suffix, hasSuffix := strings.Cut(rest, "/")
	if kind == "" || (hasSuffix && (suffix == "" || strings.Contains(suffix, "/"))) {
		return "", false
	}
	return kind, true
}

// sanitizeLevel replaces wildcard and separator characters so the value
// stays a single literal topic level.
func sanitizeLevel(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

package pebble

import (
	"fmt"
	"regexp"
)

// EventKind identifies one of the three inbound event types.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventBinding    EventKind = "binding"
	EventData       EventKind = "data"
)

// EventKinds lists every event kind in lifecycle order.
var EventKinds = []EventKind{EventRegistered, EventBinding, EventData}

// ParseEventKind validates a kind taken from a topic, subject or URL.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range EventKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// State is the lifecycle state of a device, derived from the relations.
type State int

const (
	// StateUnknown means no Registry row exists.
	StateUnknown State = iota
	// StateRegistered means a Registry row exists but no Binding row.
	StateRegistered
	// StateBound means both a Registry and a Binding row exist.
	StateBound
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateBound:
		return "bound"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unknown":
		*s = StateUnknown
	case "registered":
		*s = StateRegistered
	case "bound":
		*s = StateBound
	default:
		return fmt.Errorf("pebble: unknown state %q", text)
	}
	return nil
}

// Status is the two-valued result every handler reports.
type Status int32

const (
	StatusOK     Status = 0
	StatusFailed Status = -1
)

// RegistrationEvent associates a device with a vehicle.
type RegistrationEvent struct {
	DeviceID  string
	VehicleID string
}

// BindingEvent binds a registered device to an owner wallet, or unbinds it.
type BindingEvent struct {
	DeviceID    string
	OwnerWallet string

	// BindingFlag is the raw flag as sent by the device. See Bind.
	BindingFlag string
}

// Bind reports whether the event asks for a binding. Only the literal
// strings "true" and "True" bind; anything else, "false" included, unbinds.
func (e BindingEvent) Bind() bool {
	return e.BindingFlag == "true" || e.BindingFlag == "True"
}

// DataEvent is one telemetry reading. Payload and Timestamp are opaque and
// stored verbatim.
type DataEvent struct {
	DeviceID  string
	Payload   string
	Timestamp string
}

// Transition describes what a lifecycle operation did. From and To are equal
// for no-op transitions (unbind while Registered, re-bind while Bound) and
// for data ingestion, which never changes state.
type Transition struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
}

// Changed reports whether the transition moved the device to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Relations names the three tables backing the store.
type Relations struct {
	Registry string
	Binding  string
	Data     string
}

// DefaultRelations returns the table names created by the embedded migrations.
func DefaultRelations() Relations {
	return Relations{
		Registry: "deviceregistry",
		Binding:  "devicebinding",
		Data:     "devicedata",
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate checks that every name is a plain SQL identifier and that the
// three names are distinct. Names are interpolated into statements, so this
// must pass before a store is built.
func (r Relations) Validate() error {
	for _, name := range []string{r.Registry, r.Binding, r.Data} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidRelation, name)
		}
	}
	if r.Registry == r.Binding || r.Registry == r.Data || r.Binding == r.Data {
		return fmt.Errorf("%w: names must be distinct", ErrInvalidRelation)
	}
	return nil
}

// Registration is a Registry row as read back by operator queries.
type Registration struct {
	DeviceID     string `db:"device_id" json:"device_id"`
	VehicleID    string `db:"vehicle_id" json:"vehicle_id"`
	IsRegistered bool   `db:"is_registered" json:"is_registered"`
	CreatedAt    string `db:"created_at" json:"created_at"`
}

// Binding is a Binding row as read back by operator queries.
type Binding struct {
	DeviceID    string `db:"device_id" json:"device_id"`
	OwnerWallet string `db:"owner_wallet" json:"owner_wallet"`
	IsBound     bool   `db:"is_bound" json:"is_bound"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// Reading is a Data row.
type Reading struct {
	ID        int64  `db:"id" json:"id"`
	DeviceID  string `db:"device_id" json:"device_id"`
	Data      string `db:"data" json:"message"`
	Timestamp string `db:"timestamp" json:"timestamp"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// Counts summarises the relations.
type Counts struct {
	Registered int64 `db:"registered" json:"registered"`
	Bound      int64 `db:"bound" json:"bound"`
	Readings   int64 `db:"readings" json:"readings"`
}

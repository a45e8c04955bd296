package receiver

import "sync"

// Zone represents a single audio output channel on a receiver. It is a
// child of its receiver: all wire traffic goes through the receiver's
// queue, and the zone only holds the last status snapshot the receiver
// parsed back. Request issuers never write the snapshot directly; the
// receiver's own reply is the source of truth.
type Zone struct {
	ID     string
	Number int
	Name   string

	// Dimmer marks zones exposed to clients with a 0-100 level projection
	// (volume scaled to a brightness-style percentage). Only the outward
	// notification mapping consumes this; the reconciler ignores it.
	Dimmer bool

	mu    sync.Mutex
	state ZoneState
}

// ZoneState is a zone's status snapshot as last reported by the receiver.
type ZoneState struct {
	PoweredOn bool   `json:"poweredOn"`
	Source    int    `json:"source"`
	Volume    int    `json:"volume"`
	Muted     bool   `json:"muted"`
	Bass      int    `json:"bass"`
	Treble    int    `json:"treble"`
	Display   string `json:"display"` // "off", "muted", or the numeric volume
}

// NewZone creates a zone handle. Number must already be validated (1-18).
func NewZone(id string, number int, name string, dimmer bool) *Zone {
	return &Zone{
		ID:     id,
		Number: number,
		Name:   name,
		Dimmer: dimmer,
		state:  ZoneState{Source: 1, Display: "off"},
	}
}

// State returns a copy of the current snapshot.
func (z *Zone) State() ZoneState {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

func (z *Zone) setState(s ZoneState) {
	z.mu.Lock()
	z.state = s
	z.mu.Unlock()
}

// StateChange is one field-level update produced by the reconciler,
// surfaced to the external collaborator. Display carries an optional
// human-readable rendering (source label, volume text).
type StateChange struct {
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
	Display string      `json:"display,omitempty"`
}

// Notifier receives state-change side effects from a receiver's worker.
// Implementations must not block: they are called from the worker loop.
type Notifier interface {
	ZoneStateChanged(receiverID string, zone *Zone, changes []StateChange)
	ReceiverStateChanged(receiverID string, state ConnState)
}

// nopNotifier is used when no sink is attached (tests, demo startup).
type nopNotifier struct{}

func (nopNotifier) ZoneStateChanged(string, *Zone, []StateChange) {}
func (nopNotifier) ReceiverStateChanged(string, ConnState)        {}

package receiver

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Manager owns the live receiver and zone instances. It replaces what a
// host automation platform would provide: explicit id-keyed registries
// passed by reference, so multiple independent instances can coexist
// (nothing global, nothing static).
//
// Zones and receivers start and stop independently and in either order; a
// zone started before its receiver is held back and bound when the
// receiver appears.
type Manager struct {
	mu        sync.Mutex
	receivers map[string]*Receiver
	zones     map[string]*zoneBinding
}

type zoneBinding struct {
	zone       *Zone
	receiverID string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		receivers: make(map[string]*Receiver),
		zones:     make(map[string]*zoneBinding),
	}
}

// AddReceiver registers a receiver and attempts to start it. Any zones
// already waiting for this receiver are bound and polled. A failed start
// leaves the receiver managed in its error state; the caller decides
// whether to retry.
func (m *Manager) AddReceiver(r *Receiver) error {
	m.mu.Lock()
	if _, exists := m.receivers[r.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("manager: receiver %s already added", r.ID())
	}
	m.receivers[r.ID()] = r

	var pending []*Zone
	for _, b := range m.zones {
		if b.receiverID == r.ID() {
			pending = append(pending, b.zone)
		}
	}
	m.mu.Unlock()

	for _, z := range pending {
		r.RegisterZone(z)
	}

	if err := r.Start(); err != nil {
		log.Printf("[manager] receiver %s failed to start: %v", r.ID(), err)
		return err
	}
	return nil
}

// RemoveReceiver stops a receiver and drops it from the registry. Its
// zone bindings stay, ready for a future receiver with the same id.
func (m *Manager) RemoveReceiver(id string) {
	m.mu.Lock()
	r, ok := m.receivers[id]
	delete(m.receivers, id)
	m.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// AddZone registers a zone for the named receiver. If that receiver is
// already managed, the zone binds immediately and gets an initial poll;
// otherwise it binds when the receiver arrives.
func (m *Manager) AddZone(receiverID string, z *Zone) error {
	m.mu.Lock()
	if _, exists := m.zones[z.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("manager: zone %s already added", z.ID)
	}
	m.zones[z.ID] = &zoneBinding{zone: z, receiverID: receiverID}
	r := m.receivers[receiverID]
	m.mu.Unlock()

	if r != nil {
		r.RegisterZone(z)
		if err := r.PollZone(z.Number); err != nil {
			return err
		}
	} else {
		log.Printf("[manager] receiver %s not yet running, zone %s will register later", receiverID, z.ID)
	}
	return nil
}

// RemoveZone unregisters a zone from its receiver and forgets it.
func (m *Manager) RemoveZone(zoneID string) {
	m.mu.Lock()
	b, ok := m.zones[zoneID]
	delete(m.zones, zoneID)
	var r *Receiver
	if ok {
		r = m.receivers[b.receiverID]
	}
	m.mu.Unlock()
	if r != nil {
		r.UnregisterZone(b.zone.Number)
	}
}

// Receiver returns the managed receiver with the given id, or nil.
func (m *Manager) Receiver(id string) *Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivers[id]
}

// Receivers returns the managed receivers sorted by id.
func (m *Manager) Receivers() []*Receiver {
	m.mu.Lock()
	out := make([]*Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Zone returns the managed zone with the given id, or nil.
func (m *Manager) Zone(zoneID string) *Zone {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.zones[zoneID]; ok {
		return b.zone
	}
	return nil
}

// TickPoll gives every receiver a chance to enqueue its periodic poll.
func (m *Manager) TickPoll(now time.Time) {
	for _, r := range m.Receivers() {
		r.TickPoll(now)
	}
}

// StopAll stops every managed receiver. Zone bindings are kept; the
// manager can be restarted by re-adding receivers.
func (m *Manager) StopAll() {
	for _, r := range m.Receivers() {
		r.Stop()
	}
}

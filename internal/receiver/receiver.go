package receiver

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nshaver/nilesbridge/internal/protocol"
)

// ConnState tracks a receiver's connection lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// Validation errors, returned before anything is queued. No wire traffic
// is generated for a rejected request.
var (
	ErrInvalidZone    = errors.New("zone number out of range")
	ErrInvalidSource  = errors.New("source out of range")
	ErrInvalidVolume  = errors.New("volume out of range")
	ErrInvalidStation = errors.New("invalid station format")
	ErrUnknownZone    = errors.New("zone not registered")
)

// stationPattern matches FM ("###.#") or AM ("####") station strings.
var stationPattern = regexp.MustCompile(`^(\d{2,3}\.\d|\d{3,4})$`)

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdPollAll
	cmdPollZone
	cmdActivateZone
	cmdMuteAll
)

// command is one unit of work for the worker loop. Immutable once queued.
type command struct {
	kind        commandKind
	payload     string
	zone        int
	repeatCount int
	repeatDelay time.Duration
}

// Pacing tunables. Variables rather than constants so tests can tighten
// them; production values match the hardware's settle requirements.
var (
	// commandPause is the settle time the protocol needs between commands.
	commandPause = 100 * time.Millisecond
	// repeatDelay paces repeated writes (volume stepping).
	repeatDelay = 100 * time.Millisecond
	// reconnectPause is the delay between closing a failed connection and
	// the single reopen attempt.
	reconnectPause = 1 * time.Second
)

const (
	// queuePollInterval bounds how long the worker blocks before
	// re-checking the stop flag.
	queuePollInterval = 500 * time.Millisecond
	// stopJoinTimeout bounds how long Stop waits for the worker to exit.
	stopJoinTimeout = 2 * time.Second

	queueDepth = 256
)

// Config holds everything needed to construct a Receiver.
type Config struct {
	ID           string
	Transport    Transport
	Notifier     Notifier // may be nil
	SourceLabels map[int]string
	PollInterval time.Duration // 0 disables periodic polling
}

// Receiver manages all communication with one Niles receiver: it owns the
// transport and a FIFO command queue drained by a single worker goroutine.
// No two commands for the same receiver ever execute concurrently, and the
// protocol's stateful zone activation is tracked here.
//
// Producers (request methods, the poller) only enqueue and never block;
// completion surfaces later through zone state-change notifications.
type Receiver struct {
	id           string
	transport    Transport
	notifier     Notifier
	sourceLabels map[int]string
	pollInterval time.Duration

	queue  chan command
	stopCh chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	zones      map[int]*Zone
	connState  ConnState
	lastPoll   time.Time
	activeZone int // zone currently activated for control, 0 = none
	running    bool
}

// New creates a stopped Receiver. Call Start to open the transport and
// begin processing commands.
func New(cfg Config) *Receiver {
	n := cfg.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Receiver{
		id:           cfg.ID,
		transport:    cfg.Transport,
		notifier:     n,
		sourceLabels: cfg.SourceLabels,
		pollInterval: cfg.PollInterval,
		zones:        make(map[int]*Zone),
		connState:    StateDisconnected,
	}
}

// ID returns the receiver's opaque identifier.
func (r *Receiver) ID() string { return r.id }

// State returns the current connection state.
func (r *Receiver) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connState
}

func (r *Receiver) setState(s ConnState) {
	r.mu.Lock()
	changed := r.connState != s
	r.connState = s
	r.mu.Unlock()
	if changed {
		r.notifier.ReceiverStateChanged(r.id, s)
	}
}

// ========================================================================
// Lifecycle
// ========================================================================

// Start opens the transport and spawns the worker. On open failure the
// receiver transitions to StateError and no worker is started. An initial
// full-zone poll is queued on success.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("receiver %s: already running", r.id)
	}
	r.running = true
	r.activeZone = 0
	r.queue = make(chan command, queueDepth)
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.setState(StateConnecting)
	if err := r.transport.Open(); err != nil {
		r.setState(StateError)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("receiver %s: %w", r.id, err)
	}
	r.setState(StateConnected)

	go r.run()
	log.Printf("[receiver] %s started", r.id)

	r.PollAllZones()
	return nil
}

// Stop signals the worker to exit, joins it with a bounded timeout, and
// closes the transport regardless of whether the join completed in time.
// No further writes happen once the close begins: the worker checks the
// stop flag before every queue pop and between paced repeat writes.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Printf("[receiver] %s worker did not exit within %v", r.id, stopJoinTimeout)
	}

	if err := r.transport.Close(); err != nil {
		log.Printf("[receiver] %s close: %v", r.id, err)
	}
	r.setState(StateDisconnected)
	log.Printf("[receiver] %s stopped", r.id)
}

// run is the single worker loop. It drains the queue strictly FIFO and
// never lets one failed command stop processing.
func (r *Receiver) run() {
	defer close(r.done)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		select {
		case <-r.stopCh:
			return
		case cmd := <-r.queue:
			if err := r.execute(cmd); err != nil {
				log.Printf("[receiver] %s command failed: %v", r.id, err)
			}
		case <-time.After(queuePollInterval):
		}
	}
}

func (r *Receiver) execute(cmd command) error {
	switch cmd.kind {
	case cmdWrite:
		return r.doWrite(cmd.payload, cmd.repeatCount, cmd.repeatDelay)
	case cmdPollAll:
		return r.doPollAll()
	case cmdPollZone:
		return r.doPollZone(cmd.zone)
	case cmdActivateZone:
		return r.doActivate(cmd.zone)
	case cmdMuteAll:
		return r.doMuteAll()
	default:
		return fmt.Errorf("unknown command kind %d", cmd.kind)
	}
}

// enqueue adds a command without ever blocking the producer. A full queue
// drops the command — the next poll resynchronizes state.
func (r *Receiver) enqueue(cmd command) {
	r.mu.Lock()
	running := r.running
	queue := r.queue
	r.mu.Unlock()
	if !running {
		return
	}
	select {
	case queue <- cmd:
	default:
		log.Printf("[receiver] %s queue full, dropping command", r.id)
	}
}

// ========================================================================
// Zone registry
// ========================================================================

// RegisterZone associates a zone handle with this receiver. Zones may
// register before or after Start; re-registering the same number replaces
// the handle.
func (r *Receiver) RegisterZone(z *Zone) {
	r.mu.Lock()
	r.zones[z.Number] = z
	r.mu.Unlock()
	log.Printf("[receiver] %s registered zone %d (%s)", r.id, z.Number, z.Name)
}

// UnregisterZone removes a zone. Unknown numbers are ignored.
func (r *Receiver) UnregisterZone(number int) {
	r.mu.Lock()
	delete(r.zones, number)
	r.mu.Unlock()
	log.Printf("[receiver] %s unregistered zone %d", r.id, number)
}

// ZoneByNumber returns the registered zone handle, or nil.
func (r *Receiver) ZoneByNumber(number int) *Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zones[number]
}

// Zones returns the registered zones sorted by zone number. The copy keeps
// PollAll/MuteAll iteration safe against concurrent register/unregister.
func (r *Receiver) Zones() []*Zone {
	r.mu.Lock()
	zones := make([]*Zone, 0, len(r.zones))
	for _, z := range r.zones {
		zones = append(zones, z)
	}
	r.mu.Unlock()
	sort.Slice(zones, func(i, j int) bool { return zones[i].Number < zones[j].Number })
	return zones
}

// ========================================================================
// Public request surface — validate, then enqueue (fire-and-forget)
// ========================================================================

// SendCommand queues a raw protocol command (already CR-terminated or not;
// a missing terminator is added). Repeat semantics pace identical writes.
func (r *Receiver) SendCommand(payload string, repeatCount int, delay time.Duration) {
	if len(payload) == 0 {
		return
	}
	if payload[len(payload)-1] != '\r' {
		payload += "\r"
	}
	if repeatCount < 1 {
		repeatCount = 1
	}
	if delay <= 0 {
		delay = repeatDelay
	}
	r.enqueue(command{kind: cmdWrite, payload: payload, repeatCount: repeatCount, repeatDelay: delay})
}

// PollAllZones queues a status refresh for every registered zone.
func (r *Receiver) PollAllZones() {
	r.enqueue(command{kind: cmdPollAll})
}

// PollZone queues a status refresh for one zone.
func (r *Receiver) PollZone(zone int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	r.enqueue(command{kind: cmdPollZone, zone: zone})
	return nil
}

// SetZonePower powers a zone on or off. The protocol has no discrete
// power-on: selecting a source powers the zone on, so source carries the
// desired (or last-known) input when on is true.
func (r *Receiver) SetZonePower(zone int, on bool, source int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	if on {
		if err := validSource(source); err != nil {
			return err
		}
		r.SendCommand(protocol.EncodeZoneFunction(zone, source), 1, 0)
	} else {
		r.SendCommand(protocol.EncodeZoneFunction(zone, protocol.FnPowerOff), 1, 0)
	}
	return r.PollZone(zone)
}

// SetZoneSource selects an input source (1-6). This also powers the zone on.
func (r *Receiver) SetZoneSource(zone, source int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	if err := validSource(source); err != nil {
		return err
	}
	r.SendCommand(protocol.EncodeZoneFunction(zone, source), 1, 0)
	return r.PollZone(zone)
}

// SetZoneVolume drives a zone to an absolute volume. The protocol only has
// increment/decrement steps, so the difference from the zone's snapshot is
// translated into that many paced up/down writes.
func (r *Receiver) SetZoneVolume(zone, target int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	if target < 0 || target > protocol.MaxVolume {
		return ErrInvalidVolume
	}
	z := r.ZoneByNumber(zone)
	if z == nil {
		return ErrUnknownZone
	}
	return r.AdjustZoneVolume(zone, target-z.State().Volume)
}

// AdjustZoneVolume steps a zone's volume up or down by delta.
func (r *Receiver) AdjustZoneVolume(zone, delta int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	fn := protocol.FnVolumeUp
	if delta < 0 {
		fn = protocol.FnVolumeDown
		delta = -delta
	}
	r.SendCommand(protocol.EncodeZoneFunction(zone, fn), delta, repeatDelay)
	return r.PollZone(zone)
}

// SetZoneMute drives a zone to the desired mute state. Mute is a toggle on
// the wire, so the command is only sent when the snapshot disagrees.
func (r *Receiver) SetZoneMute(zone int, muted bool) error {
	if err := validZone(zone); err != nil {
		return err
	}
	z := r.ZoneByNumber(zone)
	if z == nil {
		return ErrUnknownZone
	}
	if z.State().Muted == muted {
		return nil
	}
	return r.ToggleZoneMute(zone)
}

// ToggleZoneMute flips a zone's mute state.
func (r *Receiver) ToggleZoneMute(zone int) error {
	if err := validZone(zone); err != nil {
		return err
	}
	r.SendCommand(protocol.EncodeZoneFunction(zone, protocol.FnMuteToggle), 1, 0)
	return r.PollZone(zone)
}

// AllZonesOff turns off every zone on the receiver.
func (r *Receiver) AllZonesOff() {
	r.SendCommand(protocol.EncodeAllZonesOff(), 1, 0)
	r.PollAllZones()
}

// MuteAllZones mutes every registered zone that is powered on and not
// already muted, then resynchronizes with a full poll.
func (r *Receiver) MuteAllZones() {
	r.enqueue(command{kind: cmdMuteAll})
}

// TuneStation tunes the receiver's built-in tuner. Station must be in FM
// ("###.#") or AM ("####") form.
func (r *Receiver) TuneStation(station string) error {
	if !stationPattern.MatchString(station) {
		return fmt.Errorf("%w: %q", ErrInvalidStation, station)
	}
	r.SendCommand(protocol.EncodeTuneStation(station), 1, 0)
	return nil
}

// TickPoll triggers a full-zone poll when the configured interval has
// elapsed since the last completed poll. An interval of zero disables
// periodic polling entirely.
func (r *Receiver) TickPoll(now time.Time) {
	r.mu.Lock()
	due := r.pollInterval > 0 && now.Sub(r.lastPoll) >= r.pollInterval
	r.mu.Unlock()
	if due {
		r.PollAllZones()
	}
}

func validZone(zone int) error {
	if zone < 1 || zone > protocol.MaxZone {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return nil
}

func validSource(source int) error {
	if source < protocol.FnSourceFirst || source > protocol.FnSourceLast {
		return fmt.Errorf("%w: %d", ErrInvalidSource, source)
	}
	return nil
}

// ========================================================================
// Command implementations — worker goroutine only
// ========================================================================

func (r *Receiver) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// doWrite performs the paced repeat-write cycle: write, read and apply any
// reply, sleep, repeat — with no trailing sleep after the last write. The
// stop flag is honored between iterations so a long volume ramp cannot
// hold up shutdown.
func (r *Receiver) doWrite(payload string, repeatCount int, delay time.Duration) error {
	if repeatCount < 1 {
		repeatCount = 1
	}
	for i := 0; i < repeatCount; i++ {
		if r.stopped() {
			return nil
		}
		if err := r.writeAndRead(payload); err != nil {
			return err
		}
		if i < repeatCount-1 {
			select {
			case <-r.stopCh:
				return nil
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// writeAndRead writes one command, then drains and applies any reply. A
// write failure triggers a single reconnect attempt (close, pause, reopen);
// if that fails the receiver stays in StateError and the error propagates.
func (r *Receiver) writeAndRead(payload string) error {
	if err := r.transport.Write([]byte(payload)); err != nil {
		log.Printf("[receiver] %s write error: %v", r.id, err)
		r.reconnect()
		return err
	}

	time.Sleep(commandPause)

	buf, err := r.transport.ReadAvailable()
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if len(buf) > 0 {
		r.applyEvents(protocol.Decode(buf))
	}
	return nil
}

// reconnect closes the transport, pauses briefly and tries to reopen once.
// Failure leaves the receiver in StateError; the next write's own
// reconnect attempt is the retry path.
func (r *Receiver) reconnect() {
	r.setState(StateError)
	if err := r.transport.Close(); err != nil {
		log.Printf("[receiver] %s close during reconnect: %v", r.id, err)
	}

	select {
	case <-r.stopCh:
		return
	case <-time.After(reconnectPause):
	}

	if err := r.transport.Open(); err != nil {
		log.Printf("[receiver] %s reconnect failed: %v", r.id, err)
		return
	}
	log.Printf("[receiver] %s reconnected", r.id)
	r.setState(StateConnected)
}

// applyEvents folds decoded response events into zone state. Activation
// acks update the advisory active-zone; status lines go through the
// reconciler and fan out as state-change notifications.
func (r *Receiver) applyEvents(events []protocol.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.ZoneActivated:
			r.mu.Lock()
			r.activeZone = e.Zone
			r.mu.Unlock()

		case protocol.ZoneStatus:
			z := r.ZoneByNumber(e.Zone)
			if z == nil {
				continue
			}
			next, changes := reconcile(z.State(), e, r.sourceLabels)
			z.setState(next)
			if len(changes) == 0 {
				continue
			}
			if z.Dimmer {
				changes = projectDimmer(next, changes)
			}
			r.notifier.ZoneStateChanged(r.id, z, changes)
		}
	}
}

// doActivate emits the activation command unless the zone is already the
// active control zone. The worker does not wait for the rznc ack here:
// the queue is FIFO and single-threaded, so later writes serialize behind
// it naturally, and the ack updates activeZone whenever it is read.
func (r *Receiver) doActivate(zone int) error {
	r.mu.Lock()
	active := r.activeZone
	r.mu.Unlock()
	if active == zone {
		return nil
	}
	return r.writeAndRead(protocol.EncodeActivate(zone))
}

// doPollZone runs activate + query inline so the pair stays adjacent on
// the wire.
func (r *Receiver) doPollZone(zone int) error {
	if err := r.doActivate(zone); err != nil {
		return err
	}
	time.Sleep(commandPause)
	return r.writeAndRead(protocol.EncodeQueryStatus())
}

// doPollAll refreshes every registered zone in zone-number order, pacing
// each activate+query pair — the receiver needs settle time and never
// acknowledges a full cycle.
func (r *Receiver) doPollAll() error {
	var firstErr error
	for _, z := range r.Zones() {
		if r.stopped() {
			return firstErr
		}
		if err := r.doPollZone(z.Number); err != nil && firstErr == nil {
			firstErr = err
		}
		time.Sleep(commandPause)
	}

	r.mu.Lock()
	r.lastPoll = time.Now()
	r.mu.Unlock()
	return firstErr
}

// doMuteAll toggles mute on every powered, unmuted zone, then repolls.
func (r *Receiver) doMuteAll() error {
	for _, z := range r.Zones() {
		if r.stopped() {
			return nil
		}
		s := z.State()
		if !s.PoweredOn || s.Muted {
			continue
		}
		if err := r.writeAndRead(protocol.EncodeZoneFunction(z.Number, protocol.FnMuteToggle)); err != nil {
			log.Printf("[receiver] %s mute zone %d: %v", r.id, z.Number, err)
		}
		time.Sleep(commandPause)
	}
	return r.doPollAll()
}

package receiver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nshaver/nilesbridge/internal/protocol"
)

// Emulator is an in-process stand-in for a Niles receiver, used by demo
// mode and tests. It implements Transport and answers commands the way the
// real hardware does: zone activation with rznc acks, znc,5 status replies
// for the active zone, and zsc function handling including the
// toggle-style mute and stepped volume.
type Emulator struct {
	mu     sync.Mutex
	open   bool
	active int
	out    []byte
	zones  map[int]*emuZone
}

type emuZone struct {
	powered bool
	source  int
	volume  int
	muted   bool
	bass    int
	treble  int
}

// NewEmulator creates an emulator with the given zone numbers, all
// powered off on source 1.
func NewEmulator(zoneNumbers ...int) *Emulator {
	e := &Emulator{zones: make(map[int]*emuZone)}
	for _, n := range zoneNumbers {
		e.zones[n] = &emuZone{source: 1, volume: 12, bass: 6, treble: 6}
	}
	return e
}

func (e *Emulator) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = true
	return nil
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
	e.out = nil
	return nil
}

func (e *Emulator) Write(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return ErrNotOpen
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\r") {
		e.handle(strings.TrimSpace(line))
	}
	return nil
}

func (e *Emulator) ReadAvailable() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil, ErrNotOpen
	}
	out := e.out
	e.out = nil
	return out, nil
}

func (e *Emulator) reply(format string, args ...interface{}) {
	e.out = append(e.out, []byte(fmt.Sprintf(format+"\r", args...))...)
}

func (e *Emulator) handle(cmd string) {
	var zone, fn int
	var station string

	switch {
	case scan(cmd, "znc,4,%d", &zone):
		if _, ok := e.zones[zone]; ok {
			e.active = zone
			e.reply("rznc,4,%d", zone)
		}

	case cmd == "znc,5":
		if z, ok := e.zones[e.active]; ok {
			e.reply("usc,2,%d,%d,%d,%d,%d,%d,%d",
				e.active, z.source, b2i(z.powered), z.volume, b2i(z.muted), z.bass, z.treble)
		}

	case scan(cmd, "zsc,%d,%d", &zone, &fn):
		z, ok := e.zones[zone]
		if !ok {
			return
		}
		switch {
		case fn >= protocol.FnSourceFirst && fn <= protocol.FnSourceLast:
			z.powered = true
			z.source = fn
		case fn == protocol.FnPowerOff:
			z.powered = false
		case fn == protocol.FnMuteToggle:
			z.muted = !z.muted
		case fn == protocol.FnVolumeUp:
			if z.volume < protocol.MaxVolume {
				z.volume++
			}
		case fn == protocol.FnVolumeDown:
			if z.volume > 0 {
				z.volume--
			}
		}

	case cmd == "znt,10,h":
		for _, z := range e.zones {
			z.powered = false
		}

	case scan(cmd, "src,11,%s", &station):
		// Tuner commands are accepted silently, like the hardware.
	}
}

func scan(s, format string, args ...interface{}) bool {
	n, err := fmt.Sscanf(s, format, args...)
	return err == nil && n == len(args)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package protocol implements the Niles Audio ZR-4/ZR-6 serial wire format.
//
// Commands are ASCII strings terminated with a carriage return:
//
//	znc,4,[zone]       activate a zone for control
//	znc,5              query status of the active zone
//	zsc,[zone],[fn]    zone function (1-6 source select, 10 off, 11 mute, 12/13 volume)
//	znt,10,h           all zones off
//	src,11,[station]   tune the built-in tuner
//
// Responses arrive unframed (newline-ish separated, sometimes concatenated):
//
//	usc,2,[zone],[source],[on],[volume],[mute],[bass],[treble]
//	rznc,4,[zone]
//
// Everything in this package is a pure mapping; no I/O and no state.
package protocol

import "fmt"

// Zone function codes for the zsc command.
const (
	// FnSourceFirst..FnSourceLast select an input source and power the zone on.
	FnSourceFirst = 1
	FnSourceLast  = 6

	FnPowerOff   = 10
	FnMuteToggle = 11
	FnVolumeUp   = 12
	FnVolumeDown = 13
)

// Protocol limits for the ZR-4/ZR-6 family.
const (
	MaxZone   = 18
	MaxVolume = 38
)

// EncodeActivate builds the zone-activation command. The receiver requires
// a zone to be activated before znc,5 queries or control commands apply to it.
func EncodeActivate(zone int) string {
	return fmt.Sprintf("znc,4,%d\r", zone)
}

// EncodeQueryStatus builds the status query for the currently active zone.
func EncodeQueryStatus() string {
	return "znc,5\r"
}

// EncodeZoneFunction builds a zsc command for the given zone and function code.
func EncodeZoneFunction(zone, fn int) string {
	return fmt.Sprintf("zsc,%d,%d\r", zone, fn)
}

// EncodeAllZonesOff builds the receiver-wide power-off command.
func EncodeAllZonesOff() string {
	return "znt,10,h\r"
}

// EncodeTuneStation builds the tuner command. Station is an FM ("###.#")
// or AM ("####") station string, validated by the caller.
func EncodeTuneStation(station string) string {
	return fmt.Sprintf("src,11,%s\r", station)
}

// ZoneStatus is a decoded usc,2 status line.
type ZoneStatus struct {
	Zone      int
	Source    int
	PoweredOn bool
	Volume    int
	Muted     bool
	Bass      int
	Treble    int
}

// ZoneActivated is a decoded rznc,4 acknowledgment.
type ZoneActivated struct {
	Zone int
}

// Event is one decoded response line: either ZoneStatus or ZoneActivated.
type Event interface{ isEvent() }

func (ZoneStatus) isEvent()    {}
func (ZoneActivated) isEvent() {}

// Decode scans a raw read buffer for response lines and returns the decoded
// events in buffer order. A single read may contain several concatenated
// replies, partial lines at buffer boundaries, or chatter we don't care
// about; anything unrecognized is skipped without error.
func Decode(buf []byte) []Event {
	var events []Event
	for _, line := range splitLines(buf) {
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// splitLines breaks the buffer on CR/LF and trims surrounding whitespace.
func splitLines(buf []byte) []string {
	var lines []string
	start := 0
	for i := 0; i <= len(buf); i++ {
		if i == len(buf) || buf[i] == '\r' || buf[i] == '\n' {
			if i > start {
				lines = append(lines, trimSpace(string(buf[start:i])))
			}
			start = i + 1
		}
	}
	return lines
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func decodeLine(line string) (Event, bool) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return nil, false
	}

	switch lower(fields[0]) {
	case "usc":
		// usc,2,[zone],[source],[on],[volume],[mute],[bass],[treble]
		if len(fields) != 9 || fields[1] != "2" {
			return nil, false
		}
		nums := make([]int, 7)
		for i := 0; i < 7; i++ {
			n, ok := atoi(fields[i+2])
			if !ok {
				return nil, false
			}
			nums[i] = n
		}
		onOff, mute := nums[2], nums[4]
		if onOff > 1 || mute > 1 {
			return nil, false
		}
		return ZoneStatus{
			Zone:      nums[0],
			Source:    nums[1],
			PoweredOn: onOff == 1,
			Volume:    nums[3],
			Muted:     mute == 1,
			Bass:      nums[5],
			Treble:    nums[6],
		}, true

	case "rznc":
		// rznc,4,[zone]
		if len(fields) != 3 || fields[1] != "4" {
			return nil, false
		}
		zone, ok := atoi(fields[2])
		if !ok {
			return nil, false
		}
		return ZoneActivated{Zone: zone}, true
	}

	return nil, false
}

func splitFields(line string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ',' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	return fields
}

// lower is an ASCII-only lowercase; the protocol is case-insensitive.
func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// atoi parses a non-negative decimal integer, rejecting empty or
// non-numeric input (strict — no signs, no whitespace).
func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > 1<<20 {
			return 0, false
		}
	}
	return n, true
}

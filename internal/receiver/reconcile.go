package receiver

import (
	"strconv"

	"github.com/nshaver/nilesbridge/internal/protocol"
)

// State-change keys surfaced to clients.
const (
	KeyPower  = "power"
	KeySource = "source"
	KeyVolume = "volume"
	KeyMute   = "mute"
	KeyBass   = "bass"
	KeyTreble = "treble"

	// Dimmer projection keys, present only for zones with Dimmer set.
	KeyLevel   = "level"
	KeyOnState = "on"
)

// reconcile applies a parsed zone status to the previous snapshot and
// returns the new snapshot plus the minimal set of state changes.
//
// The protocol has a quirk: when a zone reports powered-off, the other
// status fields are stale and must not be applied. The power change is
// re-emitted whenever power, volume, or mute shifted — the display string
// depends on all three, so the boolean alone isn't enough to decide.
func reconcile(prev ZoneState, ev protocol.ZoneStatus, sourceLabels map[int]string) (ZoneState, []StateChange) {
	next := prev
	var changes []StateChange

	next.PoweredOn = ev.PoweredOn

	if ev.PoweredOn {
		if prev.Source != ev.Source {
			next.Source = ev.Source
			changes = append(changes, StateChange{
				Key:     KeySource,
				Value:   ev.Source,
				Display: sourceLabel(ev.Source, sourceLabels),
			})
		}
		if prev.Volume != ev.Volume {
			next.Volume = ev.Volume
			changes = append(changes, StateChange{Key: KeyVolume, Value: ev.Volume})
		}
		if prev.Muted != ev.Muted {
			next.Muted = ev.Muted
			changes = append(changes, StateChange{Key: KeyMute, Value: ev.Muted})
		}
		if prev.Bass != ev.Bass {
			next.Bass = ev.Bass
			changes = append(changes, StateChange{Key: KeyBass, Value: ev.Bass})
		}
		if prev.Treble != ev.Treble {
			next.Treble = ev.Treble
			changes = append(changes, StateChange{Key: KeyTreble, Value: ev.Treble})
		}
	}

	next.Display = displayValue(next)

	powerShifted := prev.PoweredOn != next.PoweredOn ||
		prev.Volume != next.Volume ||
		prev.Muted != next.Muted
	if powerShifted || !next.PoweredOn {
		changes = append(changes, StateChange{
			Key:     KeyPower,
			Value:   next.PoweredOn,
			Display: next.Display,
		})
	}

	return next, changes
}

// displayValue renders the composite power/volume display string:
// "off" when powered down, "muted" when muted or at volume zero,
// otherwise the numeric volume.
func displayValue(s ZoneState) string {
	switch {
	case !s.PoweredOn:
		return "off"
	case s.Muted || s.Volume == 0:
		return "muted"
	default:
		return strconv.Itoa(s.Volume)
	}
}

func sourceLabel(source int, labels map[int]string) string {
	if l, ok := labels[source]; ok && l != "" {
		return l
	}
	return strconv.Itoa(source)
}

// projectDimmer appends the 0-100 level projection for dimmer zones.
// Volume 0-38 maps linearly onto 0-100; a powered-off zone projects to 0.
func projectDimmer(state ZoneState, changes []StateChange) []StateChange {
	level := 0
	if state.PoweredOn {
		level = state.Volume * 100 / protocol.MaxVolume
	}
	changes = append(changes,
		StateChange{Key: KeyLevel, Value: level},
		StateChange{Key: KeyOnState, Value: state.PoweredOn},
	)
	return changes
}

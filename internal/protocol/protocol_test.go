package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, "znc,4,7\r", EncodeActivate(7))
	assert.Equal(t, "znc,5\r", EncodeQueryStatus())
	assert.Equal(t, "zsc,3,11\r", EncodeZoneFunction(3, FnMuteToggle))
	assert.Equal(t, "zsc,12,1\r", EncodeZoneFunction(12, 1))
	assert.Equal(t, "znt,10,h\r", EncodeAllZonesOff())
	assert.Equal(t, "src,11,101.5\r", EncodeTuneStation("101.5"))
}

func TestDecodeZoneStatus(t *testing.T) {
	events := Decode([]byte("usc,2,4,3,1,22,0,6,7\r"))
	require.Len(t, events, 1)

	st, ok := events[0].(ZoneStatus)
	require.True(t, ok)
	assert.Equal(t, 4, st.Zone)
	assert.Equal(t, 3, st.Source)
	assert.True(t, st.PoweredOn)
	assert.Equal(t, 22, st.Volume)
	assert.False(t, st.Muted)
	assert.Equal(t, 6, st.Bass)
	assert.Equal(t, 7, st.Treble)
}

func TestDecodeZoneActivated(t *testing.T) {
	events := Decode([]byte("rznc,4,9\r"))
	require.Len(t, events, 1)
	assert.Equal(t, ZoneActivated{Zone: 9}, events[0])
}

func TestDecodeMultipleRepliesInOneBuffer(t *testing.T) {
	events := Decode([]byte("usc,2,1,2,1,10,0,5,5\rrznc,4,3\r"))
	require.Len(t, events, 2)

	st, ok := events[0].(ZoneStatus)
	require.True(t, ok)
	assert.Equal(t, 1, st.Zone)
	assert.Equal(t, 2, st.Source)
	assert.True(t, st.PoweredOn)
	assert.Equal(t, 10, st.Volume)

	ack, ok := events[1].(ZoneActivated)
	require.True(t, ok)
	assert.Equal(t, 3, ack.Zone)
}

func TestDecodeCaseInsensitive(t *testing.T) {
	events := Decode([]byte("USC,2,1,1,0,0,0,0,0\rRZNC,4,2\r"))
	require.Len(t, events, 2)
	assert.IsType(t, ZoneStatus{}, events[0])
	assert.IsType(t, ZoneActivated{}, events[1])
}

func TestDecodeSkipsMalformedLines(t *testing.T) {
	cases := []string{
		"",
		"\r\n\r\n",
		"garbage\r",
		"usc,2,1,2\r",                  // too few fields
		"usc,3,1,2,1,10,0,5,5\r",       // wrong subcommand
		"usc,2,1,2,1,10,0,5,5,9\r",     // too many fields
		"usc,2,x,2,1,10,0,5,5\r",       // non-numeric zone
		"usc,2,1,2,2,10,0,5,5\r",       // on/off out of range
		"rznc,4\r",                     // missing zone
		"rznc,5,1\r",                   // wrong subcommand
		"usc,2,1,2,1,10,0,5,",          // partial line at buffer boundary
		"znc,5\r",                      // our own command echoed
	}
	for _, c := range cases {
		assert.Empty(t, Decode([]byte(c)), "input %q", c)
	}
}

func TestDecodeMalformedAmongValid(t *testing.T) {
	buf := []byte("noise\rusc,2,2,1,1,15,1,4,4\rusc,2,3,1,1,\r")
	events := Decode(buf)
	require.Len(t, events, 1)
	st := events[0].(ZoneStatus)
	assert.Equal(t, 2, st.Zone)
	assert.True(t, st.Muted)
}

package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerZoneBeforeReceiver(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	// The zone arrives first and waits for its receiver.
	require.NoError(t, m.AddZone("den", NewZone("den-z4", 4, "Patio", false)))
	assert.NotNil(t, m.Zone("den-z4"))

	r := New(Config{ID: "den", Transport: NewEmulator(4)})
	require.NoError(t, m.AddReceiver(r))

	assert.NotNil(t, r.ZoneByNumber(4))
	assert.Equal(t, StateConnected, r.State())
}

func TestManagerReceiverBeforeZone(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	r := New(Config{ID: "den", Transport: NewEmulator(4)})
	require.NoError(t, m.AddReceiver(r))
	require.NoError(t, m.AddZone("den", NewZone("den-z4", 4, "Patio", false)))

	assert.NotNil(t, r.ZoneByNumber(4))
}

func TestManagerDuplicateIDs(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	r := New(Config{ID: "den", Transport: NewEmulator()})
	require.NoError(t, m.AddReceiver(r))
	assert.Error(t, m.AddReceiver(New(Config{ID: "den", Transport: NewEmulator()})))

	require.NoError(t, m.AddZone("den", NewZone("den-z4", 4, "Patio", false)))
	assert.Error(t, m.AddZone("den", NewZone("den-z4", 5, "Other", false)))
}

func TestManagerRemoveZoneUnregisters(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	r := New(Config{ID: "den", Transport: NewEmulator(4)})
	require.NoError(t, m.AddReceiver(r))
	require.NoError(t, m.AddZone("den", NewZone("den-z4", 4, "Patio", false)))

	m.RemoveZone("den-z4")
	assert.Nil(t, m.Zone("den-z4"))
	assert.Nil(t, r.ZoneByNumber(4))
}

func TestManagerRemoveReceiverKeepsBindings(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	r := New(Config{ID: "den", Transport: NewEmulator(4)})
	require.NoError(t, m.AddReceiver(r))
	require.NoError(t, m.AddZone("den", NewZone("den-z4", 4, "Patio", false)))

	m.RemoveReceiver("den")
	assert.Nil(t, m.Receiver("den"))
	assert.Equal(t, StateDisconnected, r.State())

	// A replacement receiver with the same id picks the binding back up.
	r2 := New(Config{ID: "den", Transport: NewEmulator(4)})
	require.NoError(t, m.AddReceiver(r2))
	assert.NotNil(t, r2.ZoneByNumber(4))
}

func TestManagerReceiversSorted(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.StopAll)

	for _, id := range []string{"patio", "den", "attic"} {
		require.NoError(t, m.AddReceiver(New(Config{ID: id, Transport: NewEmulator()})))
	}
	var got []string
	for _, r := range m.Receivers() {
		got = append(got, r.ID())
	}
	assert.Equal(t, []string{"attic", "den", "patio"}, got)
}

func TestTickPollHonorsInterval(t *testing.T) {
	tr := record(NewEmulator(1))
	r := New(Config{ID: "den", Transport: tr, PollInterval: 30 * time.Second})
	r.RegisterZone(NewZone("den-z1", 1, "Den", false))
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	// Wait for the initial poll to finish; lastPoll is stamped at the end.
	var last time.Time
	require.Eventually(t, func() bool {
		r.mu.Lock()
		last = r.lastPoll
		r.mu.Unlock()
		return !last.IsZero()
	}, 3*time.Second, 5*time.Millisecond)

	// Inside the interval: nothing new is queued.
	r.TickPoll(last.Add(10 * time.Second))
	time.Sleep(20 * time.Millisecond)
	before := tr.count("znc,5")

	// Past the interval: a fresh full poll runs.
	r.TickPoll(last.Add(31 * time.Second))
	require.Eventually(t, func() bool {
		return tr.count("znc,5") > before
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTickPollDisabledWhenIntervalZero(t *testing.T) {
	tr := record(NewEmulator(1))
	r := New(Config{ID: "den", Transport: tr, PollInterval: 0})
	r.RegisterZone(NewZone("den-z1", 1, "Den", false))
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	waitQueries(t, tr, 1)
	before := tr.count("znc,5")

	r.TickPoll(time.Now().Add(24 * time.Hour))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, tr.count("znc,5"))
}

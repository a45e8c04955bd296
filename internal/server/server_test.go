package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nshaver/nilesbridge/internal/receiver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *receiver.Manager) {
	t.Helper()
	mgr := receiver.NewManager()
	t.Cleanup(mgr.StopAll)

	cfg := DefaultConfig()
	srv := New(cfg, mgr, nil)

	r := receiver.New(receiver.Config{
		ID:        "den",
		Transport: receiver.NewEmulator(1, 2),
		Notifier:  srv,
	})
	require.NoError(t, mgr.AddReceiver(r))
	require.NoError(t, mgr.AddZone("den", receiver.NewZone("den-z1", 1, "Den", false)))
	require.NoError(t, mgr.AddZone("den", receiver.NewZone("den-z2", 2, "Kitchen", false)))
	return srv, mgr
}

func postCommand(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleCommand(w, req)
	return w
}

func TestHandleCommandQueues(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{
		`{"receiver":"den","zone":1,"action":"power","on":true,"source":2}`,
		`{"receiver":"den","zone":1,"action":"volume_adjust","delta":3}`,
		`{"receiver":"den","zone":2,"action":"mute_toggle"}`,
		`{"receiver":"den","action":"all_off"}`,
		`{"receiver":"den","action":"tune","station":"101.5"}`,
		`{"receiver":"den","zone":1,"action":"poll"}`,
	} {
		w := postCommand(t, srv, body)
		assert.Equal(t, http.StatusAccepted, w.Code, "body %s", body)
		assert.JSONEq(t, `{"status":"queued"}`, w.Body.String())
	}
}

func TestHandleCommandUnknownReceiver(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postCommand(t, srv, `{"receiver":"attic","zone":1,"action":"poll"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCommandValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []string{
		`{"receiver":"den","zone":1,"action":"warp"}`,            // unknown action
		`{"receiver":"den","zone":0,"action":"poll"}`,            // zone out of range
		`{"receiver":"den","zone":1,"action":"source","source":9}`,
		`{"receiver":"den","zone":1,"action":"volume","volume":99}`,
		`{"receiver":"den","action":"tune","station":"rock"}`,
		`not json`,
	}
	for _, body := range cases {
		w := postCommand(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}
}

func TestHandleCommandMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/command", nil)
	w := httptest.NewRecorder()
	srv.handleCommand(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleState(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	w := httptest.NewRecorder()
	srv.handleState(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap []ReceiverSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap, 1)
	assert.Equal(t, "den", snap[0].ID)
	assert.Equal(t, "connected", snap[0].State)
	require.Len(t, snap[0].Zones, 2)
	assert.Equal(t, "den-z1", snap[0].Zones[0].ID)
	assert.Equal(t, "off", snap[0].Zones[0].State.Display)
}

func TestDispatchPowerDefaultsToLastSource(t *testing.T) {
	_, mgr := newTestServer(t)

	rcv := mgr.Receiver("den")
	require.NoError(t, dispatch(rcv, commandRequest{Receiver: "den", Zone: 1, Action: "power", On: true}))

	// A zone the receiver does not know still gets a sane default source.
	err := dispatch(rcv, commandRequest{Receiver: "den", Zone: 3, Action: "power", On: true})
	assert.NoError(t, err)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nshaver/nilesbridge/internal/logger"
	"github.com/nshaver/nilesbridge/internal/receiver"
)

// pollTick is how often receivers are checked for a due periodic poll.
const pollTick = 2 * time.Second

// Server exposes the receiver manager to clients: a WebSocket feed of
// state-change notifications plus a small HTTP API for zone commands.
// It is the manager's Notifier — worker loops fan their updates out here.
type Server struct {
	cfg    *Config
	mgr    *receiver.Manager
	webFS  fs.FS
	recLog *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure pushed to WebSocket clients.
type Frame struct {
	Type     string                 `json:"type"` // "snapshot", "zone", "receiver"
	Receiver string                 `json:"receiver,omitempty"`
	State    string                 `json:"state,omitempty"` // receiver connection state
	Zone     *ZoneFrame             `json:"zone,omitempty"`
	Snapshot []ReceiverSnapshot     `json:"snapshot,omitempty"`
	Changes  []receiver.StateChange `json:"changes,omitempty"`
	Stamp    int64                  `json:"stamp"` // Unix ms
}

// ZoneFrame identifies a zone and carries its post-change snapshot.
type ZoneFrame struct {
	ID     string             `json:"id"`
	Number int                `json:"number"`
	Name   string             `json:"name"`
	Dimmer bool               `json:"dimmer"`
	State  receiver.ZoneState `json:"state"`
}

// ReceiverSnapshot is one receiver's full state for the snapshot frame.
type ReceiverSnapshot struct {
	ID    string      `json:"id"`
	State string      `json:"state"`
	Zones []ZoneFrame `json:"zones"`
}

// New creates a Server. Attach it to receivers via receiver.Config.Notifier.
func New(cfg *Config, mgr *receiver.Manager, webFS fs.FS) *Server {
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		webFS:  webFS,
		recLog: logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ========================================================================
// receiver.Notifier — called from worker goroutines, must not block
// ========================================================================

func (s *Server) ZoneStateChanged(receiverID string, zone *receiver.Zone, changes []receiver.StateChange) {
	s.recLog.Record(receiverID, zone, changes)
	s.broadcast(Frame{
		Type:     "zone",
		Receiver: receiverID,
		Zone:     zoneFrame(zone),
		Changes:  changes,
		Stamp:    time.Now().UnixMilli(),
	})
}

func (s *Server) ReceiverStateChanged(receiverID string, state receiver.ConnState) {
	s.broadcast(Frame{
		Type:     "receiver",
		Receiver: receiverID,
		State:    string(state),
		Stamp:    time.Now().UnixMilli(),
	})
}

func zoneFrame(z *receiver.Zone) *ZoneFrame {
	return &ZoneFrame{
		ID:     z.ID,
		Number: z.Number,
		Name:   z.Name,
		Dimmer: z.Dimmer,
		State:  z.State(),
	}
}

// ========================================================================
// Lifecycle
// ========================================================================

// Run starts the HTTP server and the poll ticker, blocking until ctx is
// canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/command", s.handleCommand)

	go s.tickLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.recLog.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// tickLoop periodically offers every receiver the chance to poll. The
// receivers decide for themselves whether their interval has elapsed.
func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mgr.TickPoll(now)
		}
	}
}

// ========================================================================
// WebSocket feed
// ========================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Initial full snapshot
	snap := Frame{
		Type:     "snapshot",
		Snapshot: s.snapshot(),
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(snap); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; incoming messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			remaining := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) snapshot() []ReceiverSnapshot {
	var out []ReceiverSnapshot
	for _, r := range s.mgr.Receivers() {
		rs := ReceiverSnapshot{
			ID:    r.ID(),
			State: string(r.State()),
		}
		for _, z := range r.Zones() {
			rs.Zones = append(rs.Zones, *zoneFrame(z))
		}
		out = append(out, rs)
	}
	return out
}

// ========================================================================
// HTTP API
// ========================================================================

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// commandRequest is the body of POST /api/command. Commands are
// fire-and-forget: the request validates and enqueues, and the outcome
// arrives later over the WebSocket feed as state changes.
type commandRequest struct {
	Receiver string `json:"receiver"`
	Zone     int    `json:"zone,omitempty"`
	Action   string `json:"action"`

	On      bool   `json:"on,omitempty"`
	Source  int    `json:"source,omitempty"`
	Volume  int    `json:"volume,omitempty"`
	Delta   int    `json:"delta,omitempty"`
	Muted   bool   `json:"muted,omitempty"`
	Station string `json:"station,omitempty"`
	Payload string `json:"payload,omitempty"`
	Repeat  int    `json:"repeat,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rcv := s.mgr.Receiver(req.Receiver)
	if rcv == nil {
		http.Error(w, "unknown receiver", http.StatusNotFound)
		return
	}

	if err := dispatch(rcv, req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"queued"}`))
}

func dispatch(rcv *receiver.Receiver, req commandRequest) error {
	switch req.Action {
	case "power":
		source := req.Source
		if source == 0 {
			// Default to the zone's last-known source when powering on
			if z := rcv.ZoneByNumber(req.Zone); z != nil {
				source = z.State().Source
			} else {
				source = 1
			}
		}
		return rcv.SetZonePower(req.Zone, req.On, source)
	case "source":
		return rcv.SetZoneSource(req.Zone, req.Source)
	case "volume":
		return rcv.SetZoneVolume(req.Zone, req.Volume)
	case "volume_adjust":
		return rcv.AdjustZoneVolume(req.Zone, req.Delta)
	case "mute":
		return rcv.SetZoneMute(req.Zone, req.Muted)
	case "mute_toggle":
		return rcv.ToggleZoneMute(req.Zone)
	case "all_off":
		rcv.AllZonesOff()
		return nil
	case "mute_all":
		rcv.MuteAllZones()
		return nil
	case "tune":
		return rcv.TuneStation(req.Station)
	case "raw":
		rcv.SendCommand(req.Payload, req.Repeat, 0)
		return nil
	case "poll":
		return rcv.PollZone(req.Zone)
	case "poll_all":
		rcv.PollAllZones()
		return nil
	default:
		return errors.New("unknown action")
	}
}

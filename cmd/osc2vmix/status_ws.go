package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status WebSocket: hub + per-client pumps + outcome broadcaster
// ============================================================================
//
// Clients connect to /ws/status and receive:
//   - "state_init" once, carrying the current StatsSnapshot
//   - "delivery_succeeded" / "delivery_failed" / "delivery_dropped" per outcome
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
// Each client has its own write pump; a client whose send buffer fills is
// disconnected so it can't hold up the others. Nothing here ever blocks the
// delivery worker: outcomes arrive over a buffered channel with non-blocking sends.
//
// ============================================================================

// wsDeliveryData is the JSON `data` payload for delivery outcome events.
type wsDeliveryData struct {
	DeliveryID string `json:"delivery_id"`
	Source     string `json:"source"`
	Command    string `json:"command"`
	URL        string `json:"url,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Status     int    `json:"status,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
}

// wsOutboundEvent is a typed event ready to be wrapped in an envelope.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At.UTC()
	if ev.At.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes registrations and broadcasts until ctx is canceled,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.dropPendingRegistrations()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Status client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// fanOut queues msg on every client and evicts those whose buffer is full.
func (h *Hub) fanOut(msg []byte) {
	var slow []*Client

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.removeClient(c, "slow_client")
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		disconnect(c)
		delete(h.clients, c)
	}
}

// dropPendingRegistrations disconnects clients that were queued for
// registration but never picked up.
func (h *Hub) dropPendingRegistrations() {
	for {
		select {
		case c := <-h.register:
			disconnect(c)
		default:
			return
		}
	}
}

// registerClient hands c to the hub. It reports false, and disconnects c,
// once the hub has stopped.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		disconnect(c)
		return false
	}
}

// unregisterClient asks the hub to drop c. After the hub has stopped it
// disconnects c directly.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		disconnect(c)
	}
}

func disconnect(c *Client) {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	safeCloseChan(c.send)
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send makes writePump exit.
	safeCloseChan(c.send)

	h.logger.Info("Status client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // already closed
	}()
	close(ch)
}

// BroadcastBytes queues a serialized frame for every client. It never blocks;
// when the hub queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Status hub queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts the websocket close code and text when err is a close frame.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("Status client closed", "pump", pump, "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Debug("Status client I/O error", "pump", pump, "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings until send is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump discards inbound frames so control frames are processed and
// disconnects are noticed, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			if c.hub != nil {
				c.hub.unregisterClient(c)
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StatusServer serves the status websocket.
type StatusServer struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() StatsSnapshot
}

func NewStatusServer(logger *slog.Logger, snapshot func() StatsSnapshot, cfg HubConfig) *StatusServer {
	return &StatusServer{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		snapshot: snapshot,
	}
}

func (s *StatusServer) Hub() *Hub { return s.hub }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS upgrades the connection, registers the client and queues state_init.
func (s *StatusServer) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Status websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init goes into the buffer before registration so it is always the first frame.
	initMsg, err := marshalEnvelope(wsOutboundEvent{Type: "state_init", Data: s.snapshot()})
	if err != nil {
		s.logger.Warn("Status snapshot marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg

	if !s.hub.registerClient(client) {
		s.logger.Debug("Status hub stopped; rejecting client", "remote_addr", r.RemoteAddr)
		return
	}

	// The pumps outlive the handler; net/http cancels r.Context() when it returns.
	go client.writePump()
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// faderCoalescer holds back successful fader outcomes so that a burst of
// T-bar moves is sent as at most one event per window, latest wins.
type faderCoalescer struct {
	window  time.Duration
	pending *wsOutboundEvent
	timer   *time.Timer
}

func (f *faderCoalescer) C() <-chan time.Time {
	if f.timer == nil {
		return nil
	}
	return f.timer.C
}

func (f *faderCoalescer) hold(ev wsOutboundEvent) {
	f.pending = &ev
	if f.timer == nil {
		f.timer = time.NewTimer(f.window)
	}
}

// take returns the pending event, if any, and stops the timer.
func (f *faderCoalescer) take() (wsOutboundEvent, bool) {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.pending == nil {
		return wsOutboundEvent{}, false
	}
	ev := *f.pending
	f.pending = nil
	return ev, true
}

// RunBroadcaster turns worker and queue outcomes into websocket frames.
// Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan Outcome, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	fader := &faderCoalescer{window: faderCoalesceDelay}

	send := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev)
		if err != nil {
			logger.Warn("Status broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flushFader := func() {
		if ev, ok := fader.take(); ok {
			send(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushFader()
			return

		case <-fader.C():
			// The window is fixed: it is not extended by further fader moves.
			fader.timer = nil
			if ev, ok := fader.take(); ok {
				send(ev)
			}

		case o, ok := <-src:
			if !ok {
				flushFader()
				logger.Debug("Status broadcaster stopping (source closed)")
				return
			}

			ev := convertOutcome(o)
			if _, isFader := o.Delivery.Command.(CmdSetFader); isFader && o.Kind == OutcomeSucceeded {
				fader.hold(ev)
				continue
			}

			// Keep ordering: anything held back goes out before this event.
			flushFader()
			send(ev)
		}
	}
}

func convertOutcome(o Outcome) wsOutboundEvent {
	data := wsDeliveryData{
		DeliveryID: o.Delivery.ID.String(),
		Source:     o.Delivery.Source,
		URL:        o.URL,
		Attempts:   o.Attempts,
		Status:     o.Response.StatusCode,
		Response:   o.Response.Body,
	}
	if o.Delivery.Command != nil {
		data.Command = o.Delivery.Command.String()
	}
	if o.Err != nil {
		data.Error = o.Err.Error()
	}
	if !o.Delivery.EnqueuedAt.IsZero() && !o.At.IsZero() {
		data.LatencyMS = o.At.Sub(o.Delivery.EnqueuedAt).Milliseconds()
	}
	return wsOutboundEvent{Type: string(o.Kind), Data: data, At: o.At}
}

// outcomeSink returns a non-blocking callback that forwards outcomes to ch.
// Outcomes are discarded when ch is full.
func outcomeSink(ch chan<- Outcome) func(Outcome) {
	return func(o Outcome) {
		select {
		case ch <- o:
		default:
		}
	}
}

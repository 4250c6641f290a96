package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tests run without a real websocket: clients have a nil conn, which the
// hub tolerates when disconnecting them.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(discardLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     discardLogger(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	msg := []byte(`{"type":"delivery_succeeded","data":{"command":"CmdQuickPlay()"}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}

	// Shutdown closes every client's send channel.
	if _, ok := <-c1.send; ok {
		t.Fatalf("client1 send channel still open after shutdown")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 1, 8)
	go hub.Run(ctx)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	// Fill the slow client's buffer so the next broadcast can't fit.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"delivery_failed"}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	<-slow.send // the pre-filled frame
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.Len(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestHub_RegistrationAfterStopDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := newTestHub(t, 4, 8)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()
	cancel()
	<-stopped

	// More exits than the unregister buffer holds.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hub.unregisterClient(newTestClient(hub, "gone", 1))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("unregister blocked after the hub stopped")
	}

	late := newTestClient(hub, "late", 1)
	if hub.registerClient(late) {
		t.Fatalf("registerClient succeeded on a stopped hub")
	}
	if _, ok := <-late.send; ok {
		t.Fatalf("late client send channel still open")
	}
}

func TestStatusServer_ClientRejectedAfterHubStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	snapshot := func() StatsSnapshot { return StatsSnapshot{} }
	status := NewStatusServer(discardLogger(), snapshot, HubConfig{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		status.Hub().Run(ctx)
	}()
	cancel()
	<-stopped

	srv := httptest.NewServer(newStatusMux(status, snapshot))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("read succeeded, want the server to close the connection")
	} else if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		t.Fatalf("connection left open after the hub stopped")
	}
}

func TestConvertOutcome(t *testing.T) {
	d := newDelivery(CmdCutToInput{Input: "3"}, sourceIPC)
	at := d.EnqueuedAt.Add(250 * time.Millisecond)

	ev := convertOutcome(Outcome{
		Kind:     OutcomeFailed,
		Delivery: d,
		URL:      "http://vmix:8088/api?Function=CutDirect&Input=3",
		Attempts: 3,
		Err:      &DeliveryError{URL: "u", Attempts: 3, Err: errors.New("refused")},
		At:       at,
	})

	if ev.Type != "delivery_failed" || !ev.At.Equal(at) {
		t.Fatalf("event = %+v", ev)
	}
	data := ev.Data.(wsDeliveryData)
	if data.DeliveryID != d.ID.String() || data.Source != sourceIPC || data.Attempts != 3 {
		t.Fatalf("data = %+v", data)
	}
	if data.Command != `CmdCutToInput(input="3")` || !strings.Contains(data.Error, "refused") {
		t.Fatalf("data = %+v", data)
	}
	if data.LatencyMS != 250 {
		t.Fatalf("latency = %d, want 250", data.LatencyMS)
	}
}

func readEnvelope(t *testing.T, ch <-chan []byte) envelope {
	t.Helper()
	select {
	case raw := <-ch:
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for broadcast")
		return envelope{}
	}
}

func TestRunBroadcaster_CoalescesFaderOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 16, 16)
	go hub.Run(ctx)
	c := newTestClient(hub, "c", 16)
	registerAndWait(t, hub, c)

	// Queue the whole burst before the broadcaster starts so it lands in one window.
	src := make(chan Outcome, 16)
	for v := 0; v < 5; v++ {
		src <- Outcome{Kind: OutcomeSucceeded, Delivery: newDelivery(CmdSetFader{Value: v * 50}, sourceOSC), At: time.Now()}
	}
	go RunBroadcaster(ctx, hub, src, discardLogger())

	env := readEnvelope(t, c.send)
	if env.Type != "delivery_succeeded" {
		t.Fatalf("type = %s", env.Type)
	}
	data := env.Data.(map[string]any)
	if data["command"] != "CmdSetFader(value=200)" {
		t.Fatalf("coalesced command = %v, want the latest fader value", data["command"])
	}

	select {
	case raw := <-c.send:
		t.Fatalf("unexpected extra broadcast %s", raw)
	case <-time.After(2 * faderCoalesceDelay):
	}
}

func TestRunBroadcaster_FlushesFaderBeforeOtherEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 16, 16)
	go hub.Run(ctx)
	c := newTestClient(hub, "c", 16)
	registerAndWait(t, hub, c)

	src := make(chan Outcome, 16)
	go RunBroadcaster(ctx, hub, src, discardLogger())

	src <- Outcome{Kind: OutcomeSucceeded, Delivery: newDelivery(CmdSetFader{Value: 10}, sourceOSC)}
	src <- Outcome{Kind: OutcomeDropped, Delivery: newDelivery(CmdCutToInput{Input: "1"}, sourceOSC), Err: ErrQueueFull}

	first := readEnvelope(t, c.send)
	second := readEnvelope(t, c.send)
	if first.Type != "delivery_succeeded" || second.Type != "delivery_dropped" {
		t.Fatalf("order = %s, %s", first.Type, second.Type)
	}
}

func TestStatusServer_StateInitOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := &Stats{}
	stats.Delivered.Add(7)
	snapshot := func() StatsSnapshot { return stats.Snapshot(2) }

	status := NewStatusServer(discardLogger(), snapshot, HubConfig{})
	go status.Hub().Run(ctx)

	srv := httptest.NewServer(newStatusMux(status, snapshot))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var env struct {
		Type string        `json:"type"`
		Data StatsSnapshot `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read state_init: %v", err)
	}
	if env.Type != "state_init" || env.Data.Delivered != 7 || env.Data.QueueLength != 2 {
		t.Fatalf("state_init = %+v", env)
	}

	// Broadcasts reach the connected client.
	waitUntil(t, time.Second, func() bool { return status.Hub().Len() == 1 }, "client not registered")
	msg, err := marshalEnvelope(convertOutcome(Outcome{Kind: OutcomeSucceeded, Delivery: newDelivery(CmdFadeToBlack{}, sourceOSC)}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	status.Hub().BroadcastBytes(msg)

	var next envelope
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if next.Type != "delivery_succeeded" {
		t.Fatalf("type = %s", next.Type)
	}
}

func TestOutcomeSinkNeverBlocks(t *testing.T) {
	ch := make(chan Outcome, 1)
	sink := outcomeSink(ch)

	done := make(chan struct{})
	go func() {
		sink(Outcome{Kind: OutcomeSucceeded})
		sink(Outcome{Kind: OutcomeFailed}) // buffer full, discarded
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("outcome sink blocked on a full channel")
	}
	if o := <-ch; o.Kind != OutcomeSucceeded {
		t.Fatalf("kind = %s", o.Kind)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

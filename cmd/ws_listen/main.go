package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// statusEvent mirrors the bridge's websocket envelope.
type statusEvent struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type deliveryData struct {
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

type statsData struct {
	Received    uint64 `json:"received"`
	Rejected    uint64 `json:"rejected"`
	Queued      uint64 `json:"queued"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	QueueLength int    `json:"queue_length"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8089/ws/status", "osc2vmix status websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as indented JSON instead of one-line summaries")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Pings and the close frame are written from different goroutines.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			// The bridge sends pings on its own schedule; any frame proves liveness.
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Println(prettyJSON(message))
					continue
				}
				fmt.Println(formatEvent(message))
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatEvent renders one status frame as a single line.
func formatEvent(message []byte) string {
	var ev statusEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return "[TEXT] " + string(message)
	}

	switch ev.Type {
	case "state_init":
		var s statsData
		if err := json.Unmarshal(ev.Data, &s); err != nil {
			return prettyJSON(message)
		}
		return fmt.Sprintf("[STATE] received=%d rejected=%d queued=%d delivered=%d failed=%d dropped=%d queue=%d",
			s.Received, s.Rejected, s.Queued, s.Delivered, s.Failed, s.Dropped, s.QueueLength)

	case "delivery_succeeded", "delivery_failed", "delivery_dropped":
		var dd deliveryData
		if err := json.Unmarshal(ev.Data, &dd); err != nil {
			return prettyJSON(message)
		}
		switch ev.Type {
		case "delivery_succeeded":
			return fmt.Sprintf("[DELIVERED] %s via %s status=%d attempts=%d latency=%dms response=%q",
				dd.Command, dd.Source, dd.Status, dd.Attempts, dd.LatencyMS, dd.Response)
		case "delivery_failed":
			return fmt.Sprintf("[FAILED] %s via %s attempts=%d error=%s",
				dd.Command, dd.Source, dd.Attempts, dd.Error)
		default:
			return fmt.Sprintf("[DROPPED] %s via %s error=%s", dd.Command, dd.Source, dd.Error)
		}
	}

	return prettyJSON(message)
}

func prettyJSON(message []byte) string {
	var v any
	if err := json.Unmarshal(message, &v); err != nil {
		return "[TEXT] " + string(message)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

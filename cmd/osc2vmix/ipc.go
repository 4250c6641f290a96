package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Lets local tools inject commands without speaking OSC. Requests go through
// the same decoder and queue as OSC traffic.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"address": "/vmix/cut", "args": [3]}
//   - Server responds: {"status": "ok", "delivery_id": "..."} or
//     {"status": "error", "error": "msg"}
// ============================================================================

// IPCRequest is one command message sent by an IPC client.
type IPCRequest struct {
	Address string `json:"address"`
	Args    []any  `json:"args,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status     string `json:"status"`                // "ok" or "error"
	DeliveryID string `json:"delivery_id,omitempty"` // set when the command was queued
	Error      string `json:"error,omitempty"`       // error message if status == "error"
}

func listenIPC(socketPath string) (net.Listener, error) {
	// Remove a stale socket left behind by a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	// Owner and group only; anyone who can write here can drive the mixer.
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

// serveIPC serves the unix socket until ctx is canceled, then removes it.
func serveIPC(ctx context.Context, listener net.Listener, socketPath string, pipeline *Pipeline, logger *slog.Logger) error {
	defer listener.Close()
	defer os.Remove(socketPath)

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, pipeline, logger)
	}
}

// handleIPCConnection serves requests on one connection until the client hangs up.
func handleIPCConnection(ctx context.Context, conn net.Conn, pipeline *Pipeline, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		logger.Debug("IPC received", "line", string(line))

		response := IPCResponse{Status: "ok"}

		msg, err := parseIPCRequest(line)
		if err != nil {
			response = IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)}
		} else if d, err := pipeline.Submit(ctx, msg, sourceIPC); err != nil {
			response = IPCResponse{Status: "error", Error: err.Error()}
		} else {
			response.DeliveryID = d.ID.String()
		}

		if encErr := encoder.Encode(response); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// parseIPCRequest decodes one request line into a Message.
// Integral JSON numbers become int64 and the rest float64, matching OSC int/float arguments.
func parseIPCRequest(line []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var req IPCRequest
	if err := dec.Decode(&req); err != nil {
		return Message{}, err
	}
	if req.Address == "" {
		return Message{}, errors.New("address is required")
	}
	if !strings.HasPrefix(req.Address, "/") {
		return Message{}, fmt.Errorf("address %q must start with '/'", req.Address)
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		n, ok := a.(json.Number)
		if !ok {
			args[i] = a
			continue
		}
		if v, err := n.Int64(); err == nil {
			args[i] = v
			continue
		}
		v, err := n.Float64()
		if err != nil {
			return Message{}, fmt.Errorf("args[%d]: %w", i, err)
		}
		args[i] = v
	}

	return Message{Address: req.Address, Args: args}, nil
}

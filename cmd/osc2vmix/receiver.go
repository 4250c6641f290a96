package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/hypebeast/go-osc/osc"
)

// ErrBundleUnsupported is returned for OSC bundles; only plain messages are handled.
var ErrBundleUnsupported = errors.New("OSC bundles are not supported")

// Receiver reads OSC datagrams from a packet socket and feeds them to the pipeline.
type Receiver struct {
	conn     net.PacketConn
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewReceiver(conn net.PacketConn, pipeline *Pipeline, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = discardLogger()
	}
	return &Receiver{
		conn:     conn,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Run reads datagrams until ctx is canceled (returns nil) or the socket fails
// (returns the error). It closes the socket when ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.conn.Close()
	})
	defer stop()

	r.logger.Info("Listening for OSC", "addr", r.conn.LocalAddr().String())

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive OSC datagram: %w", err)
		}
		r.handleDatagram(ctx, buf[:n], from)
	}
}

func (r *Receiver) handleDatagram(ctx context.Context, data []byte, from net.Addr) {
	pkt, err := osc.ParsePacket(string(data))
	if err != nil {
		r.pipeline.stats.Received.Add(1)
		r.pipeline.stats.Rejected.Add(1)
		r.logger.Warn("Skipping malformed OSC packet",
			"from", addrString(from),
			"size", len(data),
			"error", err)
		return
	}

	msg, err := messageFromPacket(pkt)
	if err != nil {
		r.pipeline.stats.Received.Add(1)
		r.pipeline.stats.Rejected.Add(1)
		r.logger.Warn("Dropping OSC packet",
			"from", addrString(from),
			"error", err)
		return
	}

	// Errors are logged by the pipeline and never stop the loop.
	_, _ = r.pipeline.Submit(ctx, msg, sourceOSC)
}

// messageFromPacket converts a parsed go-osc packet into a Message.
// Bundles are reported, never expanded.
func messageFromPacket(pkt osc.Packet) (Message, error) {
	switch p := pkt.(type) {
	case *osc.Message:
		return Message{Address: p.Address, Args: p.Arguments}, nil
	case *osc.Bundle:
		return Message{}, fmt.Errorf("%w (%d messages, %d bundles)",
			ErrBundleUnsupported, len(p.Messages), len(p.Bundles))
	default:
		return Message{}, fmt.Errorf("unsupported OSC packet type %T", pkt)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

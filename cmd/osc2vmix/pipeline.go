package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Pipeline is the shared entry point for every producer: it decodes a message,
// logs rejections, and enqueues the resulting command.
type Pipeline struct {
	decoder *Decoder
	queue   *Queue
	stats   *Stats
	logger  *slog.Logger

	// onDrop is told about deliveries lost to queue overflow. It must not block.
	onDrop func(Outcome)
}

func NewPipeline(decoder *Decoder, queue *Queue, stats *Stats, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = discardLogger()
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Pipeline{
		decoder: decoder,
		queue:   queue,
		stats:   stats,
		logger:  logger,
	}
}

// Submit decodes msg and enqueues the command. The returned error is the decode
// rejection or queue error; it has already been logged.
func (p *Pipeline) Submit(ctx context.Context, msg Message, source string) (Delivery, error) {
	p.stats.Received.Add(1)

	cmd, err := p.decoder.Decode(msg)
	if err != nil {
		p.stats.Rejected.Add(1)
		p.logRejection(msg, source, err)
		return Delivery{}, err
	}

	d := newDelivery(cmd, source)
	evicted, err := p.queue.Push(ctx, d)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			p.stats.Dropped.Add(1)
			p.reportDrop(d, err)
		}
		p.logger.Warn("Dropping command, not queued",
			"delivery_id", d.ID,
			"command", cmd,
			"source", source,
			"error", err)
		return Delivery{}, err
	}
	p.stats.Queued.Add(1)

	if evicted != nil {
		p.stats.Dropped.Add(1)
		p.reportDrop(*evicted, ErrQueueFull)
		p.logger.Warn("Delivery queue full, evicted oldest command",
			"delivery_id", evicted.ID,
			"command", evicted.Command,
			"source", evicted.Source)
	}

	p.logger.Debug("Queued command",
		"delivery_id", d.ID,
		"command", cmd,
		"source", source,
		"queue_length", p.queue.Len())
	return d, nil
}

func (p *Pipeline) logRejection(msg Message, source string, err error) {
	var unknown *UnknownAddressError
	if errors.As(err, &unknown) {
		p.logger.Info("Ignoring unknown address",
			"address", msg.Address,
			"args", msg.Args,
			"source", source)
		return
	}

	attrs := []any{"address", msg.Address, "args", msg.Args, "source", source}
	var arity *ArityError
	var typ *TypeError
	switch {
	case errors.As(err, &arity):
		attrs = append(attrs, "expected", arity.Expected, "got", arity.Got)
	case errors.As(err, &typ):
		attrs = append(attrs, "value", typ.Value, "expected", typ.Expected)
	}
	attrs = append(attrs, "error", err)
	p.logger.Warn("Rejected message", attrs...)
}

func (p *Pipeline) reportDrop(d Delivery, err error) {
	if p.onDrop == nil {
		return
	}
	p.onDrop(Outcome{
		Kind:     OutcomeDropped,
		Delivery: d,
		Err:      err,
		At:       time.Now(),
	})
}

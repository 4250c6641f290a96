package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Delivery Worker
// ============================================================================
// The only consumer of the queue. One request is in flight at a time, so a
// command being retried holds back everything behind it. That keeps delivery
// order equal to decode order.
// ============================================================================

// RetryPolicy bounds the attempts made for one command.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Delay    time.Duration // fixed pause between attempts
	Timeout  time.Duration // per-attempt deadline
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: defaultAttempts,
		Delay:    defaultRetryDelay,
		Timeout:  defaultTimeout,
	}
}

// DeliveryError is the terminal failure for one command after all attempts.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// OutcomeKind classifies what happened to a delivery.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "delivery_succeeded"
	OutcomeFailed    OutcomeKind = "delivery_failed"
	OutcomeDropped   OutcomeKind = "delivery_dropped"
)

// Outcome is reported once per delivery.
type Outcome struct {
	Kind     OutcomeKind
	Delivery Delivery
	URL      string
	Attempts int
	Response APIResponse
	Err      error
	At       time.Time
}

// WorkerConfig holds the worker's tunables.
type WorkerConfig struct {
	Device    string // vMix host:port
	Policy    RetryPolicy
	RateLimit float64 // requests per second, 0 disables the limiter
	RateBurst int

	// OnOutcome is called after every delivery from the worker goroutine.
	// It must not block.
	OnOutcome func(Outcome)
}

type Worker struct {
	device    string
	client    APIClient
	policy    RetryPolicy
	limiter   *rate.Limiter
	stats     *Stats
	logger    *slog.Logger
	onOutcome func(Outcome)
}

func NewWorker(client APIClient, cfg WorkerConfig, stats *Stats, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = discardLogger()
	}
	if stats == nil {
		stats = &Stats{}
	}
	policy := cfg.Policy
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	w := &Worker{
		device:    cfg.Device,
		client:    client,
		policy:    policy,
		stats:     stats,
		logger:    logger,
		onOutcome: cfg.OnOutcome,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = defaultRateBurst
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return w
}

// Run delivers queued commands until ctx is canceled or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context, q *Queue) {
	w.logger.Info("Delivery worker started",
		"device", w.device,
		"attempts", w.policy.Attempts,
		"retry_delay", w.policy.Delay,
		"timeout", w.policy.Timeout)

	for {
		d, err := q.Pop(ctx)
		if err != nil {
			w.logger.Info("Delivery worker stopped", "reason", err)
			return
		}
		w.Deliver(ctx, d)
	}
}

// Deliver runs the attempt loop for one delivery and reports its outcome.
// Cancelation of ctx does not interrupt a delivery that has started.
func (w *Worker) Deliver(ctx context.Context, d Delivery) Outcome {
	ctx = context.WithoutCancel(ctx)
	target := apiURL(w.device, d.Command)
	out := Outcome{Delivery: d, URL: target}

	if _, err := url.Parse(target); err != nil {
		// A URL that does not parse can never succeed; don't spend attempts on it.
		return w.finish(out, &DeliveryError{URL: target, Err: fmt.Errorf("invalid request URL: %w", err)})
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return w.finish(out, &DeliveryError{URL: target, Err: fmt.Errorf("rate limiter: %w", err)})
		}
	}

	var lastErr error
	for attempt := 1; attempt <= w.policy.Attempts; attempt++ {
		out.Attempts = attempt

		resp, err := w.attempt(ctx, target)
		out.Response = resp
		if err == nil {
			return w.finish(out, nil)
		}
		lastErr = err

		w.logger.Debug("Delivery attempt failed",
			"delivery_id", d.ID,
			"url", target,
			"attempt", attempt,
			"error", err)

		if attempt < w.policy.Attempts && w.policy.Delay > 0 {
			time.Sleep(w.policy.Delay)
		}
	}

	return w.finish(out, &DeliveryError{URL: target, Attempts: out.Attempts, Err: lastErr})
}

func (w *Worker) attempt(ctx context.Context, target string) (APIResponse, error) {
	if w.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.policy.Timeout)
		defer cancel()
	}
	resp, err := w.client.Get(ctx, target)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return resp, fmt.Errorf("timed out after %s: %w", w.policy.Timeout, err)
	}
	return resp, err
}

func (w *Worker) finish(out Outcome, err error) Outcome {
	out.At = time.Now()
	out.Err = err

	if err == nil {
		out.Kind = OutcomeSucceeded
		w.stats.Delivered.Add(1)
		w.logger.Info("Delivered command",
			"delivery_id", out.Delivery.ID,
			"command", out.Delivery.Command,
			"url", out.URL,
			"attempts", out.Attempts,
			"status", out.Response.StatusCode,
			"response", out.Response.Body)
	} else {
		out.Kind = OutcomeFailed
		w.stats.Failed.Add(1)
		w.logger.Error("Dropping command after delivery failure",
			"delivery_id", out.Delivery.ID,
			"command", out.Delivery.Command,
			"url", out.URL,
			"attempts", out.Attempts,
			"error", err)
	}

	if w.onOutcome != nil {
		w.onOutcome(out)
	}
	return out
}

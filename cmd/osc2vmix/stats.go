package main

import "sync/atomic"

// Stats counts pipeline activity. Fields are updated from several goroutines.
type Stats struct {
	Received  atomic.Uint64 // OSC datagrams and IPC/schedule messages seen
	Rejected  atomic.Uint64 // malformed, unknown, or invalid messages
	Queued    atomic.Uint64
	Delivered atomic.Uint64
	Failed    atomic.Uint64 // dropped after exhausting retries
	Dropped   atomic.Uint64 // lost to queue overflow
}

// StatsSnapshot is a point-in-time copy of Stats, as served by /healthz and the status websocket.
type StatsSnapshot struct {
	Received    uint64 `json:"received"`
	Rejected    uint64 `json:"rejected"`
	Queued      uint64 `json:"queued"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	QueueLength int    `json:"queue_length"`
}

func (s *Stats) Snapshot(queueLen int) StatsSnapshot {
	return StatsSnapshot{
		Received:    s.Received.Load(),
		Rejected:    s.Rejected.Load(),
		Queued:      s.Queued.Load(),
		Delivered:   s.Delivered.Load(),
		Failed:      s.Failed.Load(),
		Dropped:     s.Dropped.Load(),
		QueueLength: queueLen,
	}
}

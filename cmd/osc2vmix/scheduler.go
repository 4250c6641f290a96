package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleEntry fires one command message on a standard 5-field cron spec.
type ScheduleEntry struct {
	Spec    string `yaml:"spec"`    // e.g. "0 9 * * 1-5"
	Address string `yaml:"address"` // e.g. "/vmix/preview"
	Args    []any  `yaml:"args,omitempty"`
}

// Scheduler pushes scheduled commands into the pipeline with source "schedule".
type Scheduler struct {
	cron     *cron.Cron
	pipeline *Pipeline
	logger   *slog.Logger

	ctx context.Context // bounds blocking pushes; set by Run
}

// NewScheduler registers every entry. It does not start the cron runner.
func NewScheduler(entries []ScheduleEntry, pipeline *Pipeline, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		pipeline: pipeline,
		logger:   logger,
		ctx:      context.Background(),
	}

	for i, e := range entries {
		entry := e
		if _, err := s.cron.AddFunc(entry.Spec, func() { s.fire(entry) }); err != nil {
			return nil, fmt.Errorf("schedules[%d]: add %q: %w", i, entry.Spec, err)
		}
		logger.Info("Scheduled command", "spec", entry.Spec, "address", entry.Address, "args", entry.Args)
	}
	return s, nil
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the cron runner and blocks until ctx is canceled. Jobs already
// running are allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(e ScheduleEntry) {
	s.logger.Debug("Schedule fired", "spec", e.Spec, "address", e.Address)
	_, _ = s.pipeline.Submit(s.ctx, Message{Address: e.Address, Args: e.Args}, sourceSchedule)
}

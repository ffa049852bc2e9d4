package sla

import (
	"context"
	"log"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"testline/internal/notify"
)

const defaultScanSchedule = "@every 5m"

// Scanner runs the periodic SLA scan and digest dispatch in the
// background. Several scanner instances may run against the same
// database: per-clock guarded updates keep them from double-firing.
type Scanner struct {
	Tracker *Tracker
	Sink    notify.Sink
	Logger  *log.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewScanner(tracker *Tracker, sink notify.Sink, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.Default()
	}
	if sink == nil {
		sink = notify.LogSink{Logger: logger}
	}
	return &Scanner{Tracker: tracker, Sink: sink, Logger: logger}
}

func (s *Scanner) schedule() string {
	if s.Tracker.Config != nil && s.Tracker.Config.SLA.ScanSchedule != "" {
		return s.Tracker.Config.SLA.ScanSchedule
	}
	return defaultScanSchedule
}

// Start begins the periodic scan until the context is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule(), func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs a single scan-and-dispatch pass. Transient
// persistence failures are retried with exponential backoff within the
// pass; whatever still fails is logged and picked up next pass.
func (s *Scanner) RunOnce(ctx context.Context) {
	op := func() error {
		_, err := s.Tracker.Scan(ctx, s.Tracker.now())
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.Logger.Printf("sla scan: %v", err)
	}
	if _, err := s.Tracker.DispatchDigests(ctx, s.Sink); err != nil {
		s.Logger.Printf("escalation dispatch: %v", err)
	}
}

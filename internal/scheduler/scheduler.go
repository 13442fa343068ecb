// Package scheduler provides cron-based scheduling for automatic sync
// triggers.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerFunc requests a sync for one account. Triggers are coalesced
// downstream, so firing into a running cycle is safe.
type TriggerFunc func(accountID string) error

// Scheduler fires sync triggers on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	trigger TriggerFunc
	logger  *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID
	schedules map[string]string
	started   bool
}

// New creates a Scheduler around the given trigger callback. Schedules
// use the standard five-field cron syntax.
func New(trigger TriggerFunc) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		trigger:   trigger,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddAccount schedules periodic triggers for an account, replacing any
// existing schedule.
func (s *Scheduler) AddAccount(accountID, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[accountID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, accountID)
		delete(s.schedules, accountID)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if err := s.trigger(accountID); err != nil {
			s.logger.Warn("scheduled trigger failed", "account", accountID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	s.jobs[accountID] = entryID
	s.schedules[accountID] = cronExpr
	s.logger.Info("scheduled account sync", "account", accountID, "schedule", cronExpr)
	return nil
}

// Start begins firing schedules. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the cron loop and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// NextRun returns the next fire time for an account, or zero when the
// account has no schedule.
func (s *Scheduler) NextRun(accountID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entryID, ok := s.jobs[accountID]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(entryID).Next
}

// Schedule returns the cron expression for an account, or empty.
func (s *Scheduler) Schedule(accountID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedules[accountID]
}

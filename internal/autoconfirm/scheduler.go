package autoconfirm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jutukuva/livecaption/internal/transcript"
)

// ApproverID marks approvals produced by the timeout safety net.
const ApproverID = "autoconfirm"

// Scheduler arms one timer per unattended token and fires an approval once
// the timeout elapses. Timers are the only true local concurrency in a
// replica: the fire callback runs on the timer goroutine and must hand the
// id back to the session loop, which re-validates against current state
// before approving.
type Scheduler struct {
	log  *slog.Logger
	fire func(transcript.ID)

	mu      sync.Mutex
	cfg     transcript.AutoConfirmConfig
	timers  map[transcript.ID]*time.Timer
	arm     func(d time.Duration, f func()) *time.Timer
	stopped bool
}

func NewScheduler(cfg transcript.AutoConfirmConfig, fire func(transcript.ID), log *slog.Logger) *Scheduler {
	return &Scheduler{
		log:    log.With(slog.String("component", "autoconfirm")),
		fire:   fire,
		cfg:    cfg,
		timers: make(map[transcript.ID]*time.Timer),
		arm:    time.AfterFunc,
	}
}

// Track schedules a timer for a token that has none yet. Safe to call
// repeatedly; only the first call per token arms anything.
func (s *Scheduler) Track(id transcript.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.cfg.Enabled || s.cfg.TimeoutSeconds <= 0 {
		return
	}
	if _, ok := s.timers[id]; ok {
		return
	}
	d := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	s.timers[id] = s.arm(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			s.fire(id)
		}
	})
}

// Cancel disarms a token's timer; approval by any means ends up here.
func (s *Scheduler) Cancel(id transcript.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Tracked reports whether the token currently has an armed timer.
func (s *Scheduler) Tracked(id transcript.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Reconfigure applies a new policy. Disabling clears all timers without
// approving anything; a timeout change only affects timers armed after it.
func (s *Scheduler) Reconfigure(cfg transcript.AutoConfirmConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !cfg.Enabled {
		s.clearLocked()
	}
}

// Config returns the active policy.
func (s *Scheduler) Config() transcript.AutoConfirmConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close stops every timer permanently.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.clearLocked()
}

func (s *Scheduler) clearLocked() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// SetTimerFunc swaps the timer factory; tests use this to fire timers
// deterministically.
func (s *Scheduler) SetTimerFunc(arm func(d time.Duration, f func()) *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm = arm
}

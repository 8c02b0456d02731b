package sched

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Poller blocks for at most waitMs milliseconds draining inbound datagrams.
// Delivery callbacks run on the calling (scheduler) goroutine.
type Poller interface {
	Poll(waitMs Time)
}

// Scheduler drives the cooperative runtime: per tick it advances the timing
// wheel, polls the transport for at most one tick, runs an optional hook
// (keyboard command drain) and then runs every runnable task once.
type Scheduler struct {
	mgr    *Mgr
	clock  Clock
	poller Poller
	tick   Time
	hook   func()
	stop   atomic.Bool
}

func New(mgr *Mgr, clock Clock, poller Poller, tickMs Time) *Scheduler {
	if tickMs <= 0 {
		tickMs = 1
	}
	return &Scheduler{
		mgr:    mgr,
		clock:  clock,
		poller: poller,
		tick:   tickMs,
	}
}

// OnTick installs a function run once per tick on the scheduler goroutine,
// after polling and before the drain. Used to consume keyboard edge events.
func (s *Scheduler) OnTick(fn func()) { s.hook = fn }

// Shutdown requests a graceful exit; safe to call from any goroutine.
func (s *Scheduler) Shutdown() { s.stop.Store(true) }

// Tick executes one scheduler iteration.
func (s *Scheduler) Tick() error {
	s.mgr.Wake(s.clock.NowMs())

	wait := s.tick
	if s.mgr.HasRunnable() {
		wait = 0
	}
	if s.poller != nil {
		s.poller.Poll(wait)
	}

	if s.hook != nil {
		s.hook()
	}

	return s.mgr.Drain()
}

// Run loops Tick until Shutdown or a fatal task error.
func (s *Scheduler) Run() error {
	log.Debug("scheduler started")
	for !s.stop.Load() {
		if err := s.Tick(); err != nil {
			return err
		}
	}
	log.Debug("scheduler stopped")
	return nil
}

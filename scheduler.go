package docsync

import (
	"context"
	"sync"
	"time"
)

type scheduler struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Run starts the periodic flush loop. Calling Run on a running synchronizer
// logs and does nothing.
func (s *Synchronizer) Run() {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	if s.sched.running {
		s.log.Info("sync manager already running", "collection", s.name)
		return
	}
	s.sched.running = true
	s.sched.stop = make(chan struct{})
	s.sched.done = make(chan struct{})
	go s.loop(s.sched.stop, s.sched.done)
	s.log.Debug("sync manager running", "collection", s.name, "interval", s.cfg.FlushInterval)
}

// Stop halts future ticks and waits for an in-flight flush to complete.
// Buffered work stays buffered. Stopping a stopped synchronizer is a no-op.
func (s *Synchronizer) Stop() {
	s.sched.mu.Lock()
	if !s.sched.running {
		s.sched.mu.Unlock()
		return
	}
	s.sched.running = false
	close(s.sched.stop)
	done := s.sched.done
	s.sched.mu.Unlock()

	<-done
	s.log.Debug("sync manager stopped", "collection", s.name)
}

// Running reports whether the flush loop is active.
func (s *Synchronizer) Running() bool {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	return s.sched.running
}

func (s *Synchronizer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	if s.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}

	for {
		select {
		case <-stop:
			return
		default:
		}
		if _, ran := s.Flush(ctx); ran {
			continue
		}
		select {
		case <-stop:
			return
		case <-s.wake:
		}
	}
}

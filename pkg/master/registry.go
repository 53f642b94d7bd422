package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

// WorkerSet tracks which worker hosts are idle and which hold an in-flight
// job. A host is in at most one of the two sets at any instant. AcquireReady
// blocks on the condition variable until a ready host exists; every mutation
// that can make the ready set non-empty signals it.
type WorkerSet struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   map[string]struct{}
	running map[string]struct{}
}

func NewWorkerSet() *WorkerSet {
	s := &WorkerSet{
		ready:   map[string]struct{}{},
		running: map[string]struct{}{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Add registers a newly discovered host as ready unless it is already
// tracked in either set. Reports whether the host was newly added.
func (s *WorkerSet) Add(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trackedNoLock(host) {
		return false
	}
	s.ready[host] = struct{}{}
	log.Debugf("new - worker - host: %s", host)
	s.cond.Broadcast()
	return true
}

// AcquireReady blocks until a ready host exists or the context is done,
// then atomically moves one arbitrarily chosen host to running and returns
// it. No host is ever handed to two callers.
func (s *WorkerSet) AcquireReady(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.ready) == 0 {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", utils.ErrNoWorker, err)
		}
		s.cond.Wait()
	}

	var host string
	for h := range s.ready {
		host = h
		break
	}
	delete(s.ready, host)
	s.running[host] = struct{}{}
	log.Debugf("acq - worker - host: %s", host)
	return host, nil
}

// Release moves a host from running back to ready after its job completed.
// A host that was not running is added directly to ready.
func (s *WorkerSet) Release(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, host)
	s.ready[host] = struct{}{}
	log.Debugf("rel - worker - host: %s", host)
	s.cond.Broadcast()
}

// Remove deletes a host from whichever set contains it. Reports whether
// the host was tracked. Used when a host is judged unhealthy or absent.
func (s *WorkerSet) Remove(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ready[host]; ok {
		delete(s.ready, host)
		log.Debugf("del - worker - host: %s", host)
		return true
	}
	if _, ok := s.running[host]; ok {
		delete(s.running, host)
		log.Debugf("del - worker - host: %s", host)
		return true
	}
	log.Warnf("del - worker - not tracked - host: %s", host)
	return false
}

// Reconcile applies the authoritative host set from discovery: members of
// active not yet tracked are added as ready, tracked hosts missing from
// active are removed. Returns the removed (dead) hosts.
func (s *WorkerSet) Reconcile(active map[string]struct{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []string
	for host := range s.ready {
		if _, ok := active[host]; !ok {
			delete(s.ready, host)
			dead = append(dead, host)
		}
	}
	for host := range s.running {
		if _, ok := active[host]; !ok {
			delete(s.running, host)
			dead = append(dead, host)
		}
	}

	for host := range active {
		if !s.trackedNoLock(host) {
			s.ready[host] = struct{}{}
			log.Debugf("new - worker - host: %s", host)
		}
	}

	if len(s.ready) > 0 {
		s.cond.Broadcast()
	}
	return dead
}

// Counts returns (running, ready) for observability.
func (s *WorkerSet) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), len(s.ready)
}

func (s *WorkerSet) trackedNoLock(host string) bool {
	if _, ok := s.ready[host]; ok {
		return true
	}
	_, ok := s.running[host]
	return ok
}

package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

func TestWorkerSetAddAcquireRelease(t *testing.T) {
	s := NewWorkerSet()

	assert.True(t, s.Add("w1:8888"))
	assert.False(t, s.Add("w1:8888"))

	running, ready := s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, ready)

	host, err := s.AcquireReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "w1:8888", host)

	running, ready = s.Counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, ready)

	// An acquired host cannot be added again.
	assert.False(t, s.Add("w1:8888"))

	s.Release("w1:8888")
	running, ready = s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, ready)
}

func TestWorkerSetReleaseUntracked(t *testing.T) {
	s := NewWorkerSet()

	s.Release("w1:8888")
	running, ready := s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, ready)
}

func TestWorkerSetRemove(t *testing.T) {
	s := NewWorkerSet()

	s.Add("w1:8888")
	s.Add("w2:8888")
	_, err := s.AcquireReady(context.Background())
	require.NoError(t, err)

	assert.True(t, s.Remove("w1:8888"))
	assert.True(t, s.Remove("w2:8888"))
	assert.False(t, s.Remove("w3:8888"))

	running, ready := s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, ready)
}

func TestWorkerSetAcquireBlocksUntilAdd(t *testing.T) {
	s := NewWorkerSet()

	acquired := make(chan string)
	go func() {
		host, err := s.AcquireReady(context.Background())
		assert.NoError(t, err)
		acquired <- host
	}()

	select {
	case host := <-acquired:
		t.Fatalf("acquire returned %s from an empty set", host)
	case <-time.After(50 * time.Millisecond):
	}

	s.Add("w1:8888")

	select {
	case host := <-acquired:
		assert.Equal(t, "w1:8888", host)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after add")
	}
}

func TestWorkerSetAcquireContextCancelled(t *testing.T) {
	s := NewWorkerSet()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := s.AcquireReady(ctx)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, utils.ErrNoWorker)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestWorkerSetAcquireExclusive(t *testing.T) {
	s := NewWorkerSet()
	s.Add("w1:8888")

	acquired := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			host, err := s.AcquireReady(context.Background())
			assert.NoError(t, err)
			acquired <- host
		}()
	}

	// Only one acquirer gets the single host.
	<-acquired
	select {
	case <-acquired:
		t.Fatal("one host handed to two acquirers")
	case <-time.After(50 * time.Millisecond):
	}

	// The second unblocks once the host is released.
	s.Release("w1:8888")
	select {
	case host := <-acquired:
		assert.Equal(t, "w1:8888", host)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestWorkerSetReconcile(t *testing.T) {
	s := NewWorkerSet()

	s.Add("w1:8888")
	s.Add("w2:8888")
	host, err := s.AcquireReady(context.Background())
	require.NoError(t, err)

	var other string
	if host == "w1:8888" {
		other = "w2:8888"
	} else {
		other = "w1:8888"
	}

	// The running host dies, a new host appears.
	active := map[string]struct{}{
		other:     {},
		"w3:8888": {},
	}
	dead := s.Reconcile(active)
	assert.Equal(t, []string{host}, dead)

	running, ready := s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 2, ready)

	// All tracked hosts are in the active set afterwards.
	s.mu.Lock()
	for tracked := range s.ready {
		_, ok := active[tracked]
		assert.True(t, ok, "stale host %s after reconcile", tracked)
	}
	assert.Empty(t, s.running)
	s.mu.Unlock()
}

func TestWorkerSetReconcileEmptyActive(t *testing.T) {
	s := NewWorkerSet()

	s.Add("w1:8888")
	dead := s.Reconcile(map[string]struct{}{})
	assert.Equal(t, []string{"w1:8888"}, dead)

	running, ready := s.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, ready)
}

func TestWorkerSetNeverInBothSets(t *testing.T) {
	s := NewWorkerSet()

	hosts := []string{"w1:8888", "w2:8888", "w3:8888"}
	active := map[string]struct{}{}
	for _, h := range hosts {
		active[h] = struct{}{}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				for _, h := range hosts {
					s.Add(h)
					s.Release(h)
					s.Remove(h)
				}
				s.Reconcile(active)
			}
		}()
	}

	stop := make(chan struct{})
	go func() {
		wg.Wait()
		close(stop)
	}()

	for {
		s.mu.Lock()
		for h := range s.ready {
			_, both := s.running[h]
			assert.False(t, both, "%s in both ready and running", h)
		}
		s.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

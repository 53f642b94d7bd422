package master

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/worker"
)

// RetryPolicy is the dispatch retry schedule: exponential backoff between
// InitialInterval and MaxInterval with no attempt cap. Unbounded retries
// are intentional; a persistently failing dispatch stalls rather than
// surfacing as fatal. Bounding it is a policy edit here, not a hidden
// default anywhere else.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval == 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = 10 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Run drives the dispatcher until the context is cancelled: each pass
// drains the current backlog of unstitched work items, then sleeps for the
// dispatch interval. Catalog read errors are logged and the loop continues;
// they never terminate the dispatcher.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info("starting dispatcher")
	for {
		if err := c.drainBacklog(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Errorf("dispatch pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.DispatchInterval):
		}
	}
}

// drainBacklog dispatches every currently unstitched work item that is not
// already in flight, consuming queued reschedule entries with priority.
func (c *Coordinator) drainBacklog(ctx context.Context) error {
	keys, err := c.catalog.Unstitched(ctx)
	if err != nil {
		return err
	}
	log.Debugf("backlog pass: %d unstitched items", len(keys))

	for _, key := range keys {
		if err := c.drainReschedule(ctx); err != nil {
			return err
		}
		if c.sessions.InFlight(key) {
			continue
		}
		if err := c.dispatch(ctx, key); err != nil {
			return err
		}
	}

	return c.drainReschedule(ctx)
}

// drainReschedule dispatches every queued reschedule entry.
func (c *Coordinator) drainReschedule(ctx context.Context) error {
	for {
		select {
		case key := <-c.reschedule:
			if c.sessions.InFlight(key) {
				continue
			}
			if err := c.dispatch(ctx, key); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// dispatch sends one work item to some available worker, retrying under
// the retry policy until it is acknowledged or the context is cancelled.
func (c *Coordinator) dispatch(ctx context.Context, key catalog.Key) error {
	return backoff.Retry(func() error {
		return c.tryDispatch(ctx, key)
	}, c.opts.Retry.backOff(ctx))
}

// tryDispatch performs a single dispatch attempt: acquire a ready worker
// (the system's only backpressure), post the job, and record the session.
// On failure the worker is evicted from the registry as unhealthy.
func (c *Coordinator) tryDispatch(ctx context.Context, key catalog.Key) error {
	host, err := c.workers.AcquireReady(ctx)
	if err != nil {
		return backoff.Permanent(err)
	}

	sessionID := uuid.NewString()
	request := &worker.DispatchRequest{
		JobPayload:      key,
		CallbackURL:     c.opts.CallbackURL,
		BucketURIPrefix: c.opts.BucketURIPrefix,
		SessionID:       sessionID,
		WGS84PixelSize:  c.opts.PixelSize,
	}

	ack, err := c.client.StitchGridCell(ctx, host, request)
	if err != nil {
		log.Warnf("dispatch to %s failed, evicting worker: %v", host, err)
		c.workers.Remove(host)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	c.sessions.Put(&Session{
		ID:        sessionID,
		Worker:    host,
		Payload:   key,
		StatusURL: ack.StatusURL,
		CreatedAt: time.Now(),
	})
	atomic.AddInt64(&c.numDispatched, 1)

	log.Debugf("run - job - session: %s, worker: %s, item: %s/%s (%g, %g)",
		sessionID, host, key.ScenarioID, key.RasterID, key.LngMin, key.LatMin)
	return nil
}

// enqueueReschedule hands a payload back to the dispatcher's input path.
func (c *Coordinator) enqueueReschedule(key catalog.Key) {
	atomic.AddInt64(&c.numRescheduled, 1)
	select {
	case c.reschedule <- key:
	default:
		// The queue is sized far beyond any realistic fleet; if it is
		// full the item is still unstitched in the catalog and will be
		// picked up by the next backlog pass.
		log.Warnf("reschedule queue full, dropping %s/%s (%g, %g)",
			key.ScenarioID, key.RasterID, key.LngMin, key.LatMin)
	}
}

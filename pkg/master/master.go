package master

import (
	"encoding/json"
	"time"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/worker"
)

// Result carries a completed job's resolved session and the raw callback
// body, for consumption outside the coordinator.
type Result struct {
	Session Session
	Body    json.RawMessage
}

type Options struct {
	// Full URL workers post completion callbacks to.
	CallbackURL string
	// Destination prefix workers upload results under.
	BucketURIPrefix string
	// Output resolution of stitched rasters, in WGS84 degrees per pixel.
	PixelSize float64
	// Delay between backlog polling passes.
	DispatchInterval time.Duration
	// Upper bound on a single outbound dispatch call.
	DispatchTimeout time.Duration
	// Dispatch retry policy.
	Retry RetryPolicy
	// Coordinator identity reported on the status endpoint.
	Identity string
}

// Coordinator owns all shared scheduling state: the worker set, the session
// table, the work catalog handle and the reschedule queue. The discovery
// monitor, the dispatcher and the HTTP handlers all operate through it.
type Coordinator struct {
	opts     Options
	workers  *WorkerSet
	sessions *SessionTable
	catalog  *catalog.Catalog
	client   *worker.Client

	reschedule chan catalog.Key
	results    chan Result

	start time.Time

	// Statistics
	numDispatched      int64
	numCompleted       int64
	numRescheduled     int64
	numUnknownSessions int64
}

func New(cat *catalog.Catalog, opts Options) *Coordinator {
	if opts.DispatchInterval == 0 {
		opts.DispatchInterval = 30 * time.Second
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 5 * time.Minute
	}
	opts.Retry = opts.Retry.withDefaults()

	return &Coordinator{
		opts:       opts,
		workers:    NewWorkerSet(),
		sessions:   NewSessionTable(),
		catalog:    cat,
		client:     worker.NewClient(opts.DispatchTimeout),
		reschedule: make(chan catalog.Key, 1024),
		results:    make(chan Result, 1024),
		start:      time.Now(),
	}
}

func (c *Coordinator) Workers() *WorkerSet {
	return c.workers
}

// Results delivers completed jobs to the downstream consumer.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// ReconcileWorkers applies the authoritative host set from fleet discovery
// and returns the hosts that disappeared.
func (c *Coordinator) ReconcileWorkers(active map[string]struct{}) []string {
	return c.workers.Reconcile(active)
}

// RescheduleHost converts every open session bound to a dead host into a
// reschedule entry for redelivery. The entries are new work, not
// re-identified with their prior sessions.
func (c *Coordinator) RescheduleHost(host string) {
	for _, s := range c.sessions.EvictHost(host) {
		log.Infof("rescheduling %s/%s (%g, %g) from dead host %s",
			s.Payload.ScenarioID, s.Payload.RasterID,
			s.Payload.LngMin, s.Payload.LatMin, host)
		c.enqueueReschedule(s.Payload)
	}
}

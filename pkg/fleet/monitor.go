package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

const DefaultPollInterval = 30 * time.Second

// Reconciler is the coordinator surface the monitor drives: apply the
// authoritative host set, then convert each dead host's open sessions
// into reschedule entries.
type Reconciler interface {
	ReconcileWorkers(active map[string]struct{}) []string
	RescheduleHost(host string)
}

// Monitor is the fleet discovery loop and the system's sole failure
// detector: a worker that silently dies is noticed within one poll
// interval, not immediately.
type Monitor struct {
	Source     Source
	Reconciler Reconciler
	Interval   time.Duration
	// Once performs a single reconciliation and then idles until the
	// context is done. Used with a static worker list.
	Once bool
}

// Run executes reconciliation cycles until the context is cancelled. A
// failed cycle is logged and never terminates the loop.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}

	log.Info("starting fleet discovery")
	for {
		if err := m.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("%v", err)
		}

		if m.Once {
			<-ctx.Done()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) error {
	active, err := m.Source.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrDiscovery, err)
	}

	dead := m.Reconciler.ReconcileWorkers(active)
	for _, host := range dead {
		log.Infof("worker %s no longer reported by discovery", host)
		m.Reconciler.RescheduleHost(host)
	}

	log.Tracef("discovery cycle: %d active, %d dead", len(active), len(dead))
	return nil
}

package master

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

func NewHttpHandler(coord *Coordinator, r *echo.Echo) {
	r.GET("/api/v1/processing_status", coord.handleStatus)
	r.POST("/api/v1/processing_complete", coord.handleComplete)
	r.GET("/metrics", coord.handleMetrics)
}

type statusResponse struct {
	Coordinator  string `json:"coordinator"`
	Uptime       string `json:"uptime"`
	Running      int    `json:"running_workers"`
	Ready        int    `json:"ready_workers"`
	OpenSessions int    `json:"open_sessions"`
	Backlog      int    `json:"backlog"`
}

// Liveness and observability stub.
func (c *Coordinator) handleStatus(ec echo.Context) error {
	running, ready := c.workers.Counts()

	backlog, err := c.catalog.CountUnstitched(ec.Request().Context())
	if err != nil {
		log.Errorf("status: count backlog: %v", err)
		backlog = -1
	}

	return ec.JSON(http.StatusOK, &statusResponse{
		Coordinator:  c.opts.Identity,
		Uptime:       time.Since(c.start).Round(time.Second).String(),
		Running:      running,
		Ready:        ready,
		OpenSessions: c.sessions.Len(),
		Backlog:      backlog,
	})
}

type completionBody struct {
	SessionID string `json:"session_id"`
}

// handleComplete is invoked by a worker when it finishes a job. The
// session is resolved at most once; a callback for a session that was
// already resolved (or never existed) gets an explicit 404 rather than a
// silent drop.
func (c *Coordinator) handleComplete(ec echo.Context) error {
	raw, err := io.ReadAll(ec.Request().Body)
	if err != nil {
		return utils.HttpError(fmt.Errorf("read callback body: %w", utils.ErrBadRequest))
	}

	var body completionBody
	if err := json.Unmarshal(raw, &body); err != nil || body.SessionID == "" {
		log.Warnf("malformed completion callback from %s", ec.RealIP())
		return utils.HttpError(fmt.Errorf("missing session_id: %w", utils.ErrBadRequest))
	}

	session, ok := c.sessions.Resolve(body.SessionID)
	if !ok {
		atomic.AddInt64(&c.numUnknownSessions, 1)
		log.Warnf("completion callback for unknown session %s from %s",
			body.SessionID, ec.RealIP())
		return utils.HttpError(fmt.Errorf("session %s: %w", body.SessionID, utils.ErrNotFound))
	}

	// Write-back: the catalog row must advance to stitched. A failure
	// here leaves the item unstitched for a later dispatch pass and must
	// not leak the worker.
	if err := c.catalog.MarkStitched(ec.Request().Context(), session.Payload); err != nil {
		log.Errorf("mark stitched for session %s: %v", session.ID, err)
	} else {
		atomic.AddInt64(&c.numCompleted, 1)
	}

	select {
	case c.results <- Result{Session: *session, Body: raw}:
	default:
		log.Warnf("result queue full, dropping result for session %s", session.ID)
	}

	c.workers.Release(session.Worker)

	log.Debugf("end - job - session: %s, worker: %s", session.ID, session.Worker)
	return ec.String(http.StatusAccepted, "complete")
}

func (c *Coordinator) handleMetrics(ec echo.Context) error {
	running, ready := c.workers.Counts()

	metrics := fmt.Sprintln("# TYPE ndr_master_workers_running gauge")
	metrics += fmt.Sprintln("# HELP ndr_master_workers_running The number of workers currently executing a job.")
	metrics += fmt.Sprintf("ndr_master_workers_running %d\n", running)

	metrics += fmt.Sprintln("# TYPE ndr_master_workers_ready gauge")
	metrics += fmt.Sprintln("# HELP ndr_master_workers_ready The number of idle workers.")
	metrics += fmt.Sprintf("ndr_master_workers_ready %d\n", ready)

	metrics += fmt.Sprintln("# TYPE ndr_master_sessions_open gauge")
	metrics += fmt.Sprintln("# HELP ndr_master_sessions_open The number of open dispatch sessions.")
	metrics += fmt.Sprintf("ndr_master_sessions_open %d\n", c.sessions.Len())

	metrics += fmt.Sprintln("# TYPE ndr_master_jobs_dispatched_total counter")
	metrics += fmt.Sprintln("# HELP ndr_master_jobs_dispatched_total The total number of acknowledged dispatches.")
	metrics += fmt.Sprintf("ndr_master_jobs_dispatched_total %d\n", atomic.LoadInt64(&c.numDispatched))

	metrics += fmt.Sprintln("# TYPE ndr_master_jobs_completed_total counter")
	metrics += fmt.Sprintln("# HELP ndr_master_jobs_completed_total The total number of completed jobs.")
	metrics += fmt.Sprintf("ndr_master_jobs_completed_total %d\n", atomic.LoadInt64(&c.numCompleted))

	metrics += fmt.Sprintln("# TYPE ndr_master_jobs_rescheduled_total counter")
	metrics += fmt.Sprintln("# HELP ndr_master_jobs_rescheduled_total The total number of jobs recovered from dead workers.")
	metrics += fmt.Sprintf("ndr_master_jobs_rescheduled_total %d\n", atomic.LoadInt64(&c.numRescheduled))

	metrics += fmt.Sprintln("# TYPE ndr_master_unknown_sessions_total counter")
	metrics += fmt.Sprintln("# HELP ndr_master_unknown_sessions_total The total number of callbacks referencing unknown sessions.")
	metrics += fmt.Sprintf("ndr_master_unknown_sessions_total %d\n", atomic.LoadInt64(&c.numUnknownSessions))

	return ec.String(http.StatusOK, metrics)
}

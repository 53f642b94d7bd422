package master

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/worker"
)

func newDispatchCatalog(t *testing.T, scenarios, rasters []string, step float64) *catalog.Catalog {
	t.Helper()

	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "status.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.Init(ctx, scenarios, rasters, step, ""))
	return cat
}

// End-to-end: one worker, eight grid cells. Dispatches are serialized
// because the worker is released only after each completion callback.
func TestDispatcherDrainsBacklog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cat := newDispatchCatalog(t, []string{"A"}, []string{"r"}, 90)

	e := echo.New()
	callbackSrv := httptest.NewServer(e)
	defer callbackSrv.Close()

	coord := New(cat, Options{
		CallbackURL:      callbackSrv.URL + "/api/v1/processing_complete",
		BucketURIPrefix:  "s3://bucket/prefix",
		PixelSize:        0.002,
		DispatchInterval: 5 * time.Second,
		Retry:            RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	})
	NewHttpHandler(coord, e)

	var calls, inflight, overlapped int32
	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&inflight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		atomic.AddInt32(&calls, 1)

		var request worker.DispatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "s3://bucket/prefix", request.BucketURIPrefix)
		assert.Equal(t, 0.002, request.WGS84PixelSize)
		assert.NotEmpty(t, request.SessionID)

		json.NewEncoder(w).Encode(map[string]string{
			"status_url": "http://status.invalid/" + request.SessionID,
		})

		go func() {
			atomic.AddInt32(&inflight, -1)
			body, _ := json.Marshal(map[string]string{"session_id": request.SessionID})
			resp, err := http.Post(request.CallbackURL, "application/json", bytes.NewReader(body))
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusAccepted, resp.StatusCode)
				resp.Body.Close()
			}
		}()
	}))
	defer workerSrv.Close()

	host := strings.TrimPrefix(workerSrv.URL, "http://")
	coord.Workers().Add(host)

	go coord.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := cat.CountUnstitched(context.Background())
		return err == nil && n == 0
	}, 20*time.Second, 50*time.Millisecond, "backlog never drained")

	assert.Equal(t, int32(8), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlapped), "dispatches overlapped on a single worker")

	require.Eventually(t, func() bool {
		running, ready := coord.Workers().Counts()
		return running == 0 && ready == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, coord.sessions.Len())
}

// A worker that rejects a dispatch is evicted and the job retries until a
// healthy worker appears.
func TestDispatcherEvictsFailingWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cat := newDispatchCatalog(t, []string{"A"}, []string{"r"}, 180)

	e := echo.New()
	callbackSrv := httptest.NewServer(e)
	defer callbackSrv.Close()

	coord := New(cat, Options{
		CallbackURL:      callbackSrv.URL + "/api/v1/processing_complete",
		DispatchInterval: 5 * time.Second,
		Retry:            RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	})
	NewHttpHandler(coord, e)

	var badCalls int32
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badCalls, 1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request worker.DispatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		json.NewEncoder(w).Encode(map[string]string{"status_url": "http://status.invalid"})
		go func() {
			body, _ := json.Marshal(map[string]string{"session_id": request.SessionID})
			resp, err := http.Post(request.CallbackURL, "application/json", bytes.NewReader(body))
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}()
	}))
	defer goodSrv.Close()

	badHost := strings.TrimPrefix(badSrv.URL, "http://")
	goodHost := strings.TrimPrefix(goodSrv.URL, "http://")

	// Only the failing worker is available at first; the dispatcher must
	// evict it and block until the healthy one shows up.
	coord.Workers().Add(badHost)
	go coord.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&badCalls) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	coord.Workers().Add(goodHost)

	require.Eventually(t, func() bool {
		n, err := cat.CountUnstitched(context.Background())
		return err == nil && n == 0
	}, 20*time.Second, 50*time.Millisecond, "backlog never drained")

	// The failing worker is no longer tracked.
	running, ready := coord.Workers().Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, ready)
	assert.False(t, coord.Workers().Remove(badHost))
}

// Declaring a worker dead while it holds an open session produces exactly
// one reschedule entry carrying the session's payload, and the session is
// gone afterwards.
func TestRescheduleOnDeadHost(t *testing.T) {
	cat := newDispatchCatalog(t, []string{"A"}, []string{"r"}, 90)

	coord := New(cat, Options{})
	coord.Workers().Add("w1:8888")

	host, err := coord.Workers().AcquireReady(context.Background())
	require.NoError(t, err)
	require.Equal(t, "w1:8888", host)

	payload := catalog.Key{
		ScenarioID: "A",
		RasterID:   "r",
		Cell:       catalog.Cell{LngMin: -180, LatMin: -90, LngMax: -90, LatMax: 0},
	}
	coord.sessions.Put(&Session{
		ID:      "s1",
		Worker:  host,
		Payload: payload,
	})

	dead := coord.ReconcileWorkers(map[string]struct{}{})
	require.Equal(t, []string{"w1:8888"}, dead)

	coord.RescheduleHost("w1:8888")

	select {
	case key := <-coord.reschedule:
		assert.Equal(t, payload, key)
	default:
		t.Fatal("no reschedule entry produced")
	}
	select {
	case <-coord.reschedule:
		t.Fatal("more than one reschedule entry produced")
	default:
	}
	assert.Equal(t, 0, coord.sessions.Len())
}

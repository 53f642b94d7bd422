package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

func testRequest() *DispatchRequest {
	return &DispatchRequest{
		JobPayload: catalog.Key{
			ScenarioID: "baseline_potter",
			RasterID:   "n_export",
			Cell:       catalog.Cell{LngMin: -180, LatMin: -90, LngMax: -178, LatMax: -88},
		},
		CallbackURL:     "http://master:8080/api/v1/processing_complete",
		BucketURIPrefix: "s3://bucket/prefix",
		SessionID:       "s1",
		WGS84PixelSize:  0.002,
	}
}

func TestStitchGridCell(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stitch_grid_cell", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var request DispatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "s1", request.SessionID)
		assert.Equal(t, "baseline_potter", request.JobPayload.ScenarioID)
		assert.Equal(t, -180.0, request.JobPayload.LngMin)

		json.NewEncoder(w).Encode(map[string]string{"status_url": "http://status.invalid/s1"})
	}))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	ack, err := client.StitchGridCell(context.Background(),
		strings.TrimPrefix(srv.URL, "http://"), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "http://status.invalid/s1", ack.StatusURL)
}

func TestStitchGridCellRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	_, err := client.StitchGridCell(context.Background(),
		strings.TrimPrefix(srv.URL, "http://"), testRequest())
	assert.ErrorIs(t, err, utils.ErrDispatchFailed)
}

func TestStitchGridCellTransportError(t *testing.T) {
	client := NewClient(100 * time.Millisecond)
	_, err := client.StitchGridCell(context.Background(),
		"127.0.0.1:1", testRequest())
	assert.ErrorIs(t, err, utils.ErrDispatchFailed)
}

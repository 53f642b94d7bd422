package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

// DispatchRequest is the body posted to a worker's stitch endpoint.
type DispatchRequest struct {
	JobPayload      catalog.Key `json:"job_payload"`
	CallbackURL     string      `json:"callback_url"`
	BucketURIPrefix string      `json:"bucket_uri_prefix"`
	SessionID       string      `json:"session_id"`
	WGS84PixelSize  float64     `json:"wgs84_pixel_size"`
}

// DispatchResponse is the worker's acknowledgment of a dispatch.
type DispatchResponse struct {
	StatusURL string `json:"status_url"`
}

// Client issues job-start calls to stitcher workers. Calls are bounded by
// the client timeout so a hung worker cannot block the dispatcher
// indefinitely.
type Client struct {
	client *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{Timeout: timeout},
	}
}

// StitchGridCell posts a grid cell job to the worker at host ("ip:port").
// A transport error or a non-2xx acknowledgment is a dispatch failure.
func (c *Client) StitchGridCell(ctx context.Context, host string, request *DispatchRequest) (*DispatchResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch request: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/stitch_grid_cell", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: worker %s returned %s",
			utils.ErrDispatchFailed, host, resp.Status)
	}

	var ack DispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("%w: decode acknowledgment from %s: %v",
			utils.ErrDispatchFailed, host, err)
	}

	return &ack, nil
}

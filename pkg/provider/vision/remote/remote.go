// Package remote implements vision.Detector against an HTTP face-landmark
// service.
//
// Each frame is POSTed as image/jpeg to {baseURL}/v1/landmarks. The service
// answers with the JSON encoding of vision.Result:
//
//	{"faces": [[{"x":0.51,"y":0.42,"z":-0.03}, ...], ...]}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// DefaultBaseURL is the default address of a landmark service running as a
// sidecar.
const DefaultBaseURL = "http://localhost:8601"

// defaultMaxFaces caps how many faces the service reports. Two is enough to
// tell one face from several.
const defaultMaxFaces = 2

var _ vision.Detector = (*Detector)(nil)

type config struct {
	timeout  time.Duration
	maxFaces int
	client   *http.Client
}

// Option configures a Detector.
type Option func(*config)

// WithTimeout bounds each detection request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxFaces sets the max_faces query parameter.
func WithMaxFaces(n int) Option {
	return func(c *config) { c.maxFaces = n }
}

// WithHTTPClient replaces the HTTP client. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// Detector is a vision.Detector backed by an HTTP landmark service. It is
// safe for concurrent use.
type Detector struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a Detector for the service at baseURL.
func New(baseURL string, opts ...Option) *Detector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{maxFaces: defaultMaxFaces}
	for _, o := range opts {
		o(cfg)
	}

	hc := cfg.client
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.timeout > 0 {
		c := *hc
		c.Timeout = cfg.timeout
		hc = &c
	}

	return &Detector{
		endpoint:   baseURL + "/v1/landmarks?max_faces=" + strconv.Itoa(cfg.maxFaces),
		httpClient: hc,
	}
}

// Detect posts the frame and decodes the landmark response.
func (d *Detector) Detect(ctx context.Context, frame vision.Frame) (vision.Result, error) {
	if len(frame.JPEG) == 0 {
		return vision.Result{}, fmt.Errorf("vision remote: empty frame")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(frame.JPEG))
	if err != nil {
		return vision.Result{}, fmt.Errorf("vision remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return vision.Result{}, fmt.Errorf("vision remote: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vision.Result{}, fmt.Errorf("vision remote: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var res vision.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return vision.Result{}, fmt.Errorf("vision remote: decode response: %w", err)
	}
	return res, nil
}

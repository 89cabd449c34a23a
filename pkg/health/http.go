package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker requests a URL directly from the machine running the deployment.
type HTTPChecker struct {
	URL       string
	Timeout   time.Duration
	StatusMin int
	StatusMax int
	Client    *http.Client
	UserAgent string
}

func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Timeout:   5 * time.Second,
		StatusMin: 200,
		StatusMax: 399,
		Client:    http.DefaultClient,
		UserAgent: "kangbeef-deploy",
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	reqCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.URL, nil)
	if err != nil {
		result.Err = err
		result.Message = err.Error()
		return result
	}
	req.Header.Set("User-Agent", h.UserAgent)

	resp, err := h.Client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		// Connection refused and timeouts are expected while the service starts.
		result.Message = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	result.Healthy = resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax

	return result
}

func (h *HTTPChecker) String() string {
	return "GET " + h.URL
}

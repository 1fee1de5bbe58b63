package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/signature"
)

// Wire headers. These names are a compatibility contract with deployed
// receivers and must not change.
const (
	HeaderSignature  = "X-Forms-Signature"
	HeaderTimestamp  = "X-Forms-Timestamp"
	HeaderDeliveryID = "X-Forms-Delivery-Id"
	HeaderAttempt    = "X-Forms-Attempt"
)

const userAgent = "hookrelay/1.0"

// Result holds the outcome of a single delivery attempt.
type Result struct {
	StatusCode     int
	Error          string
	Response       string
	LatencyMs      int
	RequestHeaders map[string]string
}

// Sender performs one HTTP webhook delivery attempt.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with the given per-attempt HTTP timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts body to the endpoint. The signature is computed over the exact
// bytes of body with the given timestamp; callers must send the same bytes
// they signed, so body is never re-serialized here.
func (s *Sender) Send(ctx context.Context, ep *endpoint.Endpoint, body []byte, deliveryID id.ID, attempt int, timestamp int64) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("create request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderSignature, signature.SignHeader(body, ep.Secret, timestamp))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderDeliveryID, deliveryID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	// Custom endpoint headers are merged last but cannot shadow the
	// signature headers.
	for k, v := range ep.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	sent := make(map[string]string, len(req.Header))
	for k := range req.Header {
		sent[k] = req.Header.Get(k)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return Result{
			Error:          err.Error(),
			LatencyMs:      int(latency),
			RequestHeaders: sent,
		}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxResponseCapture))
	if readErr != nil {
		return Result{
			StatusCode:     resp.StatusCode,
			Error:          fmt.Sprintf("read response: %v", readErr),
			LatencyMs:      int(latency),
			RequestHeaders: sent,
		}
	}

	res := Result{
		StatusCode:     resp.StatusCode,
		Response:       string(respBody),
		LatencyMs:      int(latency),
		RequestHeaders: sent,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("endpoint returned %s", resp.Status)
	}
	return res
}

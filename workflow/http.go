package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID carries a per-request identifier on outbound webhooks.
const HeaderRequestID = "X-Request-ID"

type httpResponse struct {
	StatusCode int
	Body       string
	JSON       any
}

func (r *httpResponse) data() map[string]any {
	out := map[string]any{"status_code": r.StatusCode}
	if r.JSON != nil {
		out["response"] = r.JSON
	} else {
		out["response"] = r.Body
	}
	return out
}

// sendJSON issues a request with an optional JSON body. Any non-2xx status
// is returned as an error wrapping ErrWebhookStatus.
func (e *Engine) sendJSON(
	ctx context.Context, method, url string, body any, headers map[string]string, timeout time.Duration,
) (*httpResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d %s", ErrWebhookStatus, resp.StatusCode, truncate(string(raw), 200))
	}

	out := &httpResponse{StatusCode: resp.StatusCode, Body: string(raw)}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		out.JSON = parsed
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

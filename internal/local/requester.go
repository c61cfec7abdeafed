package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/limiquantix/consolidator/internal/domain"
)

// HTTPRequester submits requests to a remote global manager.
type HTTPRequester struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRequester creates a requester posting to baseURL with a bearer token.
func NewHTTPRequester(baseURL, token string, timeout time.Duration) *HTTPRequester {
	return &HTTPRequester{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit implements Requester.
func (r *HTTPRequester) Submit(ctx context.Context, req domain.MigrationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/v1/requests", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return domain.Transient("submit migration request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("global manager: %s: %w", detail, domain.ErrQueueFull)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("global manager: %s: %w", detail, domain.ErrAlreadyExists)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("global manager: %s: %w", detail, domain.ErrPermissionDenied)
	case resp.StatusCode >= 500:
		return domain.Transient("submit migration request", fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	default:
		return fmt.Errorf("global manager: status %d: %s: %w", resp.StatusCode, detail, domain.ErrInvalidArgument)
	}
}

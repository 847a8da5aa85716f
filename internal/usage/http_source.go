package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/circuitbreaker"
	"github.com/mbd888/chatgate/internal/retry"
)

const breakerKey = "usage_source"

// StatusError is a non-2xx answer from the remote usage service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("usage source returned %d: %s", e.Code, e.Body)
}

// HTTPSource reads counts from a remote usage service:
//
//	GET {base}/v1/usage/{accountID}?period=YYYY-MM  -> {"count": n}
//	GET {base}/v1/usage?period=YYYY-MM              -> {"counts": {"acct_...": n}}
type HTTPSource struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source for the service at baseURL. timeout bounds
// each individual HTTP attempt.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailureFilter(upstreamFault)),
		policy:  retry.DefaultPolicy,
	}
}

// Breaker exposes the circuit breaker guarding the remote service.
func (h *HTTPSource) Breaker() *circuitbreaker.Breaker {
	return h.breaker
}

func (h *HTTPSource) Count(ctx context.Context, accountID, period string) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	path := "/v1/usage/" + url.PathEscape(accountID) + "?period=" + url.QueryEscape(period)
	err := h.get(ctx, path, &body)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return 0, nil // the service has no record of chats for this account
	}
	if err != nil {
		return 0, err
	}
	return body.Count, nil
}

func (h *HTTPSource) CountAll(ctx context.Context, period string) (map[string]int64, error) {
	var body struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := h.get(ctx, "/v1/usage?period="+url.QueryEscape(period), &body); err != nil {
		return nil, err
	}
	if body.Counts == nil {
		body.Counts = map[string]int64{}
	}
	return body.Counts, nil
}

func (h *HTTPSource) get(ctx context.Context, path string, out any) error {
	return h.breaker.Execute(breakerKey, func() error {
		return h.policy.Do(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set("Accept", "application/json")

			resp, err := h.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Permanent(ctx.Err())
				}
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode >= 300 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
				if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Permanent(se)
				}
				return se
			}

			if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("decode usage response: %w", err))
			}
			return nil
		})
	})
}

// upstreamFault decides which errors count against the breaker. Client
// errors (4xx other than 429) mean the service is up.
func upstreamFault(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

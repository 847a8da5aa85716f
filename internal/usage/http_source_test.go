package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/circuitbreaker"
	"github.com/mbd888/chatgate/internal/retry"
)

func newFastHTTPSource(url string) *HTTPSource {
	h := NewHTTPSource(url, time.Second)
	h.policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return h
}

func TestHTTPSource_Count(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage/acct_1", r.URL.Path)
		assert.Equal(t, "2026-03", r.URL.Query().Get("period"))
		_ = json.NewEncoder(w).Encode(map[string]int64{"count": 17})
	}))
	defer srv.Close()

	n, err := newFastHTTPSource(srv.URL).Count(context.Background(), "acct_1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestHTTPSource_CountAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage", r.URL.Path)
		_, _ = w.Write([]byte(`{"counts":{"acct_1":3,"acct_2":9}}`))
	}))
	defer srv.Close()

	counts, err := newFastHTTPSource(srv.URL).CountAll(context.Background(), "2026-03")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"acct_1": 3, "acct_2": 9}, counts)
}

func TestHTTPSource_NotFoundIsZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	n, err := newFastHTTPSource(srv.URL).Count(context.Background(), "acct_1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"count":5}`))
	}))
	defer srv.Close()

	n, err := newFastHTTPSource(srv.URL).Count(context.Background(), "acct_1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSource_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad period", http.StatusBadRequest)
	}))
	defer srv.Close()

	src := newFastHTTPSource(srv.URL)
	_, err := src.Count(context.Background(), "acct_1", "bogus")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, src.Breaker().State(breakerKey))
}

func TestHTTPSource_BreakerOpensOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := newFastHTTPSource(srv.URL)
	src.policy = retry.Policy{Attempts: 1}
	for i := 0; i < 5; i++ {
		_, err := src.CountAll(context.Background(), "2026-03")
		require.Error(t, err)
	}
	_, err := src.CountAll(context.Background(), "2026-03")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

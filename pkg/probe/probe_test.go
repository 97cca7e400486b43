package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":                    "running",
			"autogen_installed":         true,
			"openai_api_key_configured": false,
		})
	})
	c := newBackend(t, mux)

	r, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Status: StatusRunning, ServiceInstalled: true}, r)
	require.True(t, r.Running())
}

func TestClientStatusFailuresFallBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newBackend(t, mux)

	r, err := c.Status(context.Background())
	require.True(t, errors.Is(err, ErrProbeUnreachable))
	require.Equal(t, Fallback(), r)

	unreachable, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	r, err = unreachable.Status(context.Background())
	require.True(t, errors.Is(err, ErrProbeUnreachable))
	require.Equal(t, Result{Status: "error"}, r)
}

func TestClientHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	c := newBackend(t, mux)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)
}

func TestClientProcess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req ProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "bad" {
			writeJSON(w, http.StatusBadRequest, ProcessResponse{Status: "error", Message: "rejected"})
			return
		}
		require.Equal(t, ProcessRequest{ClientID: "abc-123", Framework: "autogen", Prompt: "Hello"}, req)
		writeJSON(w, http.StatusOK, ProcessResponse{Status: "success", Message: "queued", SessionID: "s1"})
	})
	c := newBackend(t, mux)

	resp, err := c.Process(context.Background(), "abc-123", "Hello")
	require.NoError(t, err)
	require.False(t, resp.Failed())
	require.Equal(t, "s1", resp.SessionID)

	resp, err = c.Process(context.Background(), "abc-123", "bad")
	require.NoError(t, err)
	require.True(t, resp.Failed())
	require.Equal(t, "rejected", resp.Message)
}

func TestNewClientRejectsBadURLs(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	_, err = NewClient("ws://localhost:8000")
	require.Error(t, err)
}

type scriptedChecker struct {
	calls   atomic.Int32
	results []Result
	errs    []error
}

func (s *scriptedChecker) Status(context.Context) (Result, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], s.errs[i]
}

func TestPollerCachesAndFallsBack(t *testing.T) {
	running := Result{Status: StatusRunning, ServiceInstalled: true, CredentialConfigured: true}
	checker := &scriptedChecker{
		results: []Result{running, {}},
		errs:    []error{nil, errors.Wrap(ErrProbeUnreachable, "down")},
	}
	var changes []Result
	p := NewPoller(checker, WithOnChange(func(r Result) { changes = append(changes, r) }))

	require.Equal(t, Fallback(), p.Latest())
	require.Equal(t, running, p.CheckNow(context.Background()))
	require.Equal(t, running, p.Latest())
	require.Equal(t, int32(1), checker.calls.Load())

	// Reading the cache never probes.
	_ = p.Latest()
	require.Equal(t, int32(1), checker.calls.Load())

	require.Equal(t, Fallback(), p.CheckNow(context.Background()))
	require.Equal(t, Fallback(), p.Latest())
	require.Equal(t, []Result{running, Fallback()}, changes)
}

func TestPollerRunStopsWithContext(t *testing.T) {
	checker := &scriptedChecker{results: []Result{{Status: StatusRunning}}, errs: []error{nil}}
	p := NewPoller(checker, WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
	require.True(t, p.Latest().Running())
}

// Package probe talks to the backend's HTTP side: the status probe, the health check and
// the submit-and-process call used by the control channel.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrProbeUnreachable = errors.New("probe unreachable")

const (
	DefaultTimeout   = 30 * time.Second
	DefaultFramework = "autogen"

	StatusRunning = "running"
	StatusError   = "error"
)

// Result is the last known backend status. It never carries connection state.
type Result struct {
	Status               string `json:"status"`
	ServiceInstalled     bool   `json:"autogen_installed"`
	CredentialConfigured bool   `json:"openai_api_key_configured"`
}

// Fallback is reported whenever the probe cannot be reached or answered garbage.
func Fallback() Result {
	return Result{Status: StatusError}
}

func (r Result) Running() bool {
	return r.Status == StatusRunning
}

type Health struct {
	Status string `json:"status"`
}

type ProcessRequest struct {
	ClientID  string `json:"client_id"`
	Framework string `json:"framework"`
	Prompt    string `json:"prompt"`
}

type ProcessResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (r ProcessResponse) Failed() bool {
	return r.Status == StatusError
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	framework  string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithFramework(f string) ClientOption {
	return func(cl *Client) {
		if strings.TrimSpace(f) != "" {
			cl.framework = f
		}
	}
}

// NewClient accepts an http(s) base such as http://localhost:8000.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("probe: base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "probe: parse base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("probe: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		framework:  DefaultFramework,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(name string) string {
	u := *c.baseURL
	u.Path = path.Join("/", strings.TrimRight(u.Path, "/"), name)
	return u.String()
}

// Status fetches GET /status. Any failure is reported as ErrProbeUnreachable.
func (c *Client) Status(ctx context.Context) (Result, error) {
	var r Result
	code, err := c.do(ctx, http.MethodGet, "status", nil, &r)
	if err != nil {
		return Fallback(), err
	}
	if !ok(code) {
		return Fallback(), errors.Wrapf(ErrProbeUnreachable, "status: HTTP %d", code)
	}
	if r.Status == "" {
		return Fallback(), errors.Wrap(ErrProbeUnreachable, "status response has no status")
	}
	return r, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	code, err := c.do(ctx, http.MethodGet, "health", nil, &h)
	if err != nil {
		return Health{Status: "unhealthy"}, err
	}
	if !ok(code) {
		return Health{Status: "unhealthy"}, errors.Wrapf(ErrProbeUnreachable, "health: HTTP %d", code)
	}
	return h, nil
}

// Process posts a prompt for the client's control session. The answer itself streams back
// over the control channel; the response only says whether the request was accepted.
func (c *Client) Process(ctx context.Context, clientID, prompt string) (ProcessResponse, error) {
	req := ProcessRequest{ClientID: clientID, Framework: c.framework, Prompt: prompt}
	var resp ProcessResponse
	code, err := c.do(ctx, http.MethodPost, "process", req, &resp)
	if err != nil {
		return ProcessResponse{}, err
	}
	// Rejections come back as {"status":"error"} bodies, sometimes with a non-2xx code.
	if !ok(code) && resp.Status == "" {
		return ProcessResponse{}, errors.Wrapf(ErrProbeUnreachable, "process: HTTP %d", code)
	}
	return resp, nil
}

func ok(code int) bool {
	return code >= 200 && code <= 299
}

func (c *Client) do(ctx context.Context, method, name string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrapf(err, "encode %s request", name)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(name), body)
	if err != nil {
		return 0, errors.Wrapf(err, "build %s request", name)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(ErrProbeUnreachable, "%s: %v", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrapf(ErrProbeUnreachable, "%s: read body: %v", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if !ok(resp.StatusCode) {
			return resp.StatusCode, errors.Wrapf(ErrProbeUnreachable, "%s: HTTP %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return resp.StatusCode, errors.Wrapf(ErrProbeUnreachable, "%s: decode: %v", name, err)
	}
	return resp.StatusCode, nil
}

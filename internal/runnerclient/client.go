// Package runnerclient issues outbound HTTP calls from the manager to
// runners: liveness pings, task dispatch, and result retrieval. Every call
// carries the runner's own bearer token, captured at registration. Tokens
// are never logged.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mediarun/manager/internal/domain"
)

// RejectedError is returned when a runner answers a dispatch or result call
// with a non-2xx status.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("runner returned status %d: %s", e.StatusCode, e.Body)
}

// maxErrorBody caps how much of a runner error response is retained.
const maxErrorBody = 2048

// RunPayload is the body of POST {runner}/task/run: the submission envelope
// plus manager-added correlation fields.
type RunPayload struct {
	TaskID             string         `json:"task_id"`
	RunID              string         `json:"run_id"`
	EtabName           string         `json:"etab_name"`
	AppName            string         `json:"app_name"`
	AppVersion         string         `json:"app_version,omitempty"`
	TaskType           string         `json:"task_type"`
	SourceURL          string         `json:"source_url"`
	Affiliation        string         `json:"affiliation,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	NotifyURL          string         `json:"notify_url,omitempty"`
	CompletionCallback string         `json:"completion_callback"`
}

// Client talks to runners. Short calls (ping, run) carry a hard timeout;
// result streams only bound connection setup and header latency, because a
// large media file may take arbitrarily long to transfer.
type Client struct {
	pingTimeout time.Duration
	runTimeout  time.Duration

	short  *http.Client
	stream *http.Client
}

// New builds a client with the configured per-call timeouts.
func New(pingTimeout, runTimeout time.Duration) *Client {
	return &Client{
		pingTimeout: pingTimeout,
		runTimeout:  runTimeout,
		short:       &http.Client{},
		stream: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       60 * time.Second,
			},
		},
	}
}

func authorize(req *http.Request, runner domain.Runner) {
	req.Header.Set("Authorization", "Bearer "+runner.Token)
}

// Ping fetches the runner's live self-report. The response is transient by
// design: availability and task types are consulted fresh at every
// selection.
func (c *Client) Ping(ctx context.Context, runner domain.Runner) (*domain.PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, runner.URL+"/runner/ping", nil)
	if err != nil {
		return nil, fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, runner)

	resp, err := c.short.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ping runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var ping domain.PingResponse
	if err := json.NewDecoder(resp.Body).Decode(&ping); err != nil {
		return nil, fmt.Errorf("decode ping response: %w", err)
	}
	return &ping, nil
}

// Run dispatches a task to the runner. A non-2xx answer is a *RejectedError;
// network errors are returned as-is so the dispatcher can keep trying other
// candidates.
func (c *Client) Run(ctx context.Context, runner domain.Runner, payload RunPayload) error {
	ctx, cancel := context.WithTimeout(ctx, c.runTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runner.URL+"/task/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	authorize(req, runner)

	resp, err := c.short.Do(req)
	if err != nil {
		return fmt.Errorf("run task on runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RejectedError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	return nil
}

// Manifest opens a streaming GET of the task's result manifest. The caller
// owns the response body.
func (c *Client) Manifest(ctx context.Context, runner domain.Runner, taskID string) (*http.Response, error) {
	return c.streamGet(ctx, runner, runner.URL+"/task/result/"+url.PathEscape(taskID), "application/json")
}

// File opens a streaming GET of one result file. filePath is escaped per
// segment so slashes survive.
func (c *Client) File(ctx context.Context, runner domain.Runner, taskID, filePath string) (*http.Response, error) {
	target := runner.URL + "/task/result/" + url.PathEscape(taskID) + "/file/" + escapePath(filePath)
	return c.streamGet(ctx, runner, target, "application/octet-stream")
}

func (c *Client) streamGet(ctx context.Context, runner domain.Runner, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Accept", accept)
	authorize(req, runner)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch from runner: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		rejected := &RejectedError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
		resp.Body.Close()
		return nil, rejected
	}
	return resp, nil
}

func escapePath(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(bytes.TrimSpace(b))
}

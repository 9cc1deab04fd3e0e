// Package client is the typed Go client for the PAP service. It mirrors
// the server's operations one-to-one and surfaces server rejections as
// *api.Error values.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/papforge/pap/pkg/api"
)

// Client talks to one PAP server.
type Client struct {
	base string
	http *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to add TLS
// configuration or test transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		// No overall timeout: event streams are long-lived. Callers bound
		// individual operations through their contexts.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends a pipeline for execution and returns its handle.
func (c *Client) Submit(ctx context.Context, sub *api.SubmitContext) (api.RunHandle, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	var resp struct {
		Handle api.RunHandle `json:"handle"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/runs", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.Handle, nil
}

// Status fetches the current snapshot of a run.
func (c *Client) Status(ctx context.Context, handle api.RunHandle) (api.RunSnapshot, error) {
	var snap api.RunSnapshot
	err := c.call(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(string(handle)), nil, &snap)
	return snap, err
}

// List fetches snapshots of every run the server knows about.
func (c *Client) List(ctx context.Context) ([]api.RunSnapshot, error) {
	var snaps []api.RunSnapshot
	err := c.call(ctx, http.MethodGet, "/v1/runs", nil, &snaps)
	return snaps, err
}

// Cancel requests cooperative termination of a run.
func (c *Client) Cancel(ctx context.Context, handle api.RunHandle) error {
	return c.call(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(string(handle))+"/cancel", nil, nil)
}

// Delete archives a terminal run.
func (c *Client) Delete(ctx context.Context, handle api.RunHandle) error {
	return c.call(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(string(handle)), nil, nil)
}

// Artifact fetches an artifact from a run's namespace by hash or name.
func (c *Client) Artifact(ctx context.Context, handle api.RunHandle, key string) ([]byte, error) {
	path := fmt.Sprintf("/v1/runs/%s/artifacts/%s", url.PathEscape(string(handle)), key)
	return c.raw(ctx, path)
}

// StepLog fetches the captured execution log of one step.
func (c *Client) StepLog(ctx context.Context, handle api.RunHandle, job, step string) ([]byte, error) {
	path := fmt.Sprintf("/v1/runs/%s/jobs/%s/steps/%s/log",
		url.PathEscape(string(handle)), url.PathEscape(job), url.PathEscape(step))
	return c.raw(ctx, path)
}

// Events streams status events after the given sequence, invoking fn for
// each. The server cuts consumers that fall too far behind the live run;
// the client reconnects transparently from the last sequence it saw. It
// returns nil once the run's stream terminates, or the context or
// transport error that interrupted it.
func (c *Client) Events(ctx context.Context, handle api.RunHandle, after uint64, fn func(api.StatusEvent) error) error {
	for {
		last, resume, err := c.streamEvents(ctx, handle, after, fn)
		if err != nil || !resume {
			return err
		}
		after = last
	}
}

// streamEvents consumes one SSE response. It reports the last delivered
// sequence and whether the server asked the consumer to reconnect.
func (c *Client) streamEvents(ctx context.Context, handle api.RunHandle, after uint64, fn func(api.StatusEvent) error) (uint64, bool, error) {
	path := fmt.Sprintf("%s/v1/runs/%s/events?after=%d", c.base, url.PathEscape(string(handle)), after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return after, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return after, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return after, false, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	last := after
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			switch event {
			case "end":
				return last, false, nil
			case "lagged":
				return last, true, nil
			}
			if data.Len() > 0 {
				var ev api.StatusEvent
				if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
					return last, false, fmt.Errorf("decode event: %w", err)
				}
				last = ev.Seq
				if err := fn(ev); err != nil {
					return last, false, err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return last, false, ctx.Err()
		}
		return last, false, err
	}
	return last, false, io.ErrUnexpectedEOF
}

// Wait polls until the run reaches a terminal phase and returns its final
// snapshot.
func (c *Client) Wait(ctx context.Context, handle api.RunHandle, poll time.Duration) (api.RunSnapshot, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		snap, err := c.Status(ctx, handle)
		if err != nil {
			return api.RunSnapshot{}, err
		}
		if snap.Phase.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) raw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var apiErr api.Error
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		return &apiErr
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

package handoffsdk

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

	"handoff/internal/domain"
)

// Client is a minimal Handoff HTTP API client.
type Client struct {
	BaseURL     string
	Actor       domain.Actor
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, opts map[string]any) (domain.Task, error) {
	body := map[string]any{"title": title}
	for k, v := range opts {
		body[k] = v
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status and channel.
func (c *Client) ListTasks(ctx context.Context, status, channel string) ([]domain.Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if channel != "" {
		q.Set("channel", channel)
	}
	endpoint := "v0/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimTask claims a task under a lease. version -1 claims whatever version
// is current.
func (c *Client) ClaimTask(ctx context.Context, id string, version int64, lease time.Duration) (domain.Task, error) {
	body := map[string]any{}
	if lease > 0 {
		body["lease_ms"] = lease.Milliseconds()
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, versionedPath(id, "claim", version), body, &resp)
	return resp, err
}

// CompleteTask completes a claimed task with optional outputs.
func (c *Client) CompleteTask(ctx context.Context, id string, version int64, outputs json.RawMessage) (domain.Task, error) {
	body := map[string]any{}
	if len(outputs) > 0 {
		body["outputs"] = outputs
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, versionedPath(id, "complete", version), body, &resp)
	return resp, err
}

// FailTask marks a claimed task as failed.
func (c *Client) FailTask(ctx context.Context, id string, version int64, reason string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, versionedPath(id, "fail", version), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AddMessage appends to a task's message log.
func (c *Client) AddMessage(ctx context.Context, taskID, content string) (domain.Message, error) {
	var resp domain.Message
	endpoint := "v0/tasks/" + url.PathEscape(taskID) + "/messages"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"content": content}, &resp)
	return resp, err
}

// ListMessages returns a task's message log in order.
func (c *Client) ListMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	var resp []domain.Message
	endpoint := "v0/tasks/" + url.PathEscape(taskID) + "/messages"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WatchOptions filter the event stream. Zero fields match everything.
type WatchOptions struct {
	Channel string
	Type    string
	Kinds   []string
}

// Watch opens the server-sent event stream and decodes events until ctx is
// cancelled or the connection drops. A terminal error, if any, arrives on
// the error channel; both channels close when the stream ends.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (<-chan domain.Event, <-chan error) {
	events := make(chan domain.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		q := url.Values{}
		if opts.Channel != "" {
			q.Set("channel", opts.Channel)
		}
		if opts.Type != "" {
			q.Set("type", opts.Type)
		}
		for _, k := range opts.Kinds {
			q.Add("kind", k)
		}
		endpoint := c.base() + "/v0/watch"
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		c.setIdentity(req)
		// No client timeout here; the stream is long-lived.
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			errs <- &APIError{StatusCode: resp.StatusCode, Body: string(b)}
			return
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()
	return events, errs
}

func versionedPath(id, verb string, version int64) string {
	endpoint := fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(id), verb)
	if version >= 0 {
		endpoint += fmt.Sprintf("?version=%d", version)
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentity(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setIdentity(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		return
	}
	if c.Actor.ID != "" {
		req.Header.Set("X-Actor-Id", c.Actor.ID)
		if c.Actor.Type != "" {
			req.Header.Set("X-Actor-Type", c.Actor.Type)
		}
		if c.Actor.Name != "" {
			req.Header.Set("X-Actor-Name", c.Actor.Name)
		}
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Package client talks to the board HTTP API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"prism-board/board"
	"prism-board/domain"
)

var _ board.Committer = (*Client)(nil)

// Client wraps http.Client with the board API's requests.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-success responses. It unwraps to the domain
// error the status code stands for, if any.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("board api: %d %s", e.Code, msg)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrTaskNotFound
	case http.StatusConflict:
		return domain.ErrConcurrencyConflict
	case http.StatusUnprocessableEntity:
		return domain.ErrIndexOutOfRange
	default:
		return nil
	}
}

type tasksResponse struct {
	Tasks     []domain.Task `json:"tasks"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

type moveRequest struct {
	Status     domain.Status `json:"status"`
	OrderIndex int           `json:"orderIndex"`
}

// FetchTasks returns the caller's board ordered by lane and index.
func (c *Client) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	var resp tasksResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// CreateTask appends a task to the end of its lane.
func (c *Client) CreateTask(ctx context.Context, nt domain.NewTask) (domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nt, nil, &t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// MoveTask commits m under the given idempotency key and returns the
// authoritative board.
func (c *Client) MoveTask(ctx context.Context, m domain.Move, idempotencyKey string) ([]domain.Task, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var resp tasksResponse
	path := "/api/tasks/" + url.PathEscape(m.TaskID) + "/move"
	if err := c.do(ctx, http.MethodPost, path, moveRequest{Status: m.Status, OrderIndex: m.OrderIndex}, headers, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}

// CommitMove sends m with a fresh idempotency key and classifies the answer.
func (c *Client) CommitMove(ctx context.Context, m domain.Move) domain.CommitResult {
	tasks, err := c.MoveTask(ctx, m, uuid.NewString())
	if err == nil {
		return domain.CommitResult{Outcome: domain.CommitApplied, Tasks: tasks}
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return domain.CommitResult{Outcome: domain.CommitConflict, Err: err}
	}
	return domain.CommitResult{Outcome: domain.CommitFailed, Err: err}
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out)
}

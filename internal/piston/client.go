// Package piston is the raw HTTP client for the sandboxed execution engine,
// plus the startup-built registry of the runtimes it advertises.
package piston

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout means the engine call exceeded its deadline.
	ErrTimeout = errors.New("engine request timed out")
	// ErrConnection means the engine could not be reached at all.
	ErrConnection = errors.New("engine connection error")
	// ErrRateLimited is the engine's 429 reply; the only error the feeder
	// retries at task level.
	ErrRateLimited = errors.New("engine rate limited")
	// ErrBadResponse means a 2xx reply whose body did not decode.
	ErrBadResponse = errors.New("malformed engine response")
)

// StatusError is any non-2xx, non-429 engine reply.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned HTTP %d", e.Code)
}

// Runtime is one entry of the engine's advertised runtime list.
type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

type File struct {
	Content string `json:"content"`
}

// ExecuteRequest mirrors the engine's POST /execute body. Memory limits are
// bytes and omitted entirely when unlimited.
type ExecuteRequest struct {
	Language           string `json:"language"`
	Version            string `json:"version"`
	Files              []File `json:"files"`
	CompileTimeout     int    `json:"compile_timeout,omitempty"`
	RunTimeout         int    `json:"run_timeout,omitempty"`
	CompileMemoryLimit *int64 `json:"compile_memory_limit,omitempty"`
	RunMemoryLimit     *int64 `json:"run_memory_limit,omitempty"`
}

// StageResult is one compile or run stage. Code is nil when the stage was
// killed before exiting.
type StageResult struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type ExecuteResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Compile  *StageResult `json:"compile"`
	Run      *StageResult `json:"run"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Runtimes fetches the engine's full runtime list.
func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runtimes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	var runtimes []Runtime
	if err := json.NewDecoder(resp.Body).Decode(&runtimes); err != nil {
		return nil, errors.Wrap(ErrBadResponse, err.Error())
	}
	return runtimes, nil
}

// Execute runs one submission synchronously. The timeout bounds the whole
// call and should cover the task's compile and run budgets plus margin.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, timeout time.Duration) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(ErrBadResponse, err.Error())
	}
	return &out, nil
}

func classifyNetError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return errors.Wrap(ErrConnection, err.Error())
}

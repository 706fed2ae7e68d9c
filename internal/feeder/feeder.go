// Package feeder consumes execution tasks, drives the sandbox engine, and
// normalizes every outcome into exactly one ResultMessage per task.
package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/domain"
	"github.com/flagforge/execd/internal/piston"
)

const (
	// rateLimitRetryCap bounds the 429 retry loop; an unbounded loop would
	// let one rate-limited job starve its prefetch slot indefinitely.
	rateLimitRetryCap = 10

	// engineTimeoutMargin pads the per-call deadline past the task's own
	// compile+run budget so the engine gets to report its own timeout first.
	engineTimeoutMargin = 5 * time.Second
)

// Engine is the surface of the execution engine the processor needs.
type Engine interface {
	Execute(ctx context.Context, req piston.ExecuteRequest, timeout time.Duration) (*piston.ExecuteResponse, error)
}

// ResultPublisher publishes a result body to the results queue.
type ResultPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Defaults apply wherever a task does not carry its own override.
type Defaults struct {
	MemoryLimitMB    int // -1 = unlimited
	CompileTimeoutMS int
	RunTimeoutMS     int
}

type Processor struct {
	engine   Engine
	registry *piston.RuntimeRegistry
	results  ResultPublisher
	defaults Defaults
	log      *zap.Logger

	// retryDelay is the backoff before 429 retry number n; swapped out in
	// tests to avoid real sleeps.
	retryDelay func(attempt int) time.Duration
}

func NewProcessor(engine Engine, registry *piston.RuntimeRegistry, results ResultPublisher, defaults Defaults, log *zap.Logger) *Processor {
	return &Processor{
		engine:   engine,
		registry: registry,
		results:  results,
		defaults: defaults,
		log:      log,
		retryDelay: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// Handle is the task-queue handler: process the task, publish the result,
// and only then let the message be acknowledged. A publish failure returns
// an error so the broker redelivers instead of silently losing the job.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	result := p.Process(ctx, body)

	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	if err := p.results.Publish(ctx, payload); err != nil {
		return errors.Wrapf(err, "publish result for job %q", result.JobID)
	}
	p.log.Info("result published",
		zap.String("job_id", result.JobID), zap.String("status", string(result.Status)))
	return nil
}

// taskEnvelope is the lenient shape tasks are parsed into: overrides stay
// raw so one malformed override degrades to the default instead of failing
// the whole task.
type taskEnvelope struct {
	JobID          string          `json:"job_id"`
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	MemoryLimit    json.RawMessage `json:"memory_limit"`
	CompileTimeout json.RawMessage `json:"compile_timeout"`
	RunTimeout     json.RawMessage `json:"run_timeout"`
}

// Process turns one task body into exactly one ResultMessage. It never
// returns nil and never panics across the queue boundary.
func (p *Processor) Process(ctx context.Context, body []byte) (result *domain.ResultMessage) {
	var task taskEnvelope

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while processing task",
				zap.String("job_id", task.JobID), zap.Any("panic", r))
			result = domain.NewErrorResult(task.JobID, task.Language,
				domain.StatusFeederProcessingError, "", fmt.Sprintf("feeder internal error: %v", r))
		}
	}()

	if err := json.Unmarshal(body, &task); err != nil {
		p.log.Error("undecodable task message", zap.Error(err))
		return domain.NewErrorResult("", "unknown", domain.StatusFeederError,
			"invalid message format", "feeder internal error: failed to decode message")
	}
	if task.JobID == "" || task.Code == "" || task.Language == "" {
		p.log.Warn("task missing job_id, code or language", zap.String("job_id", task.JobID))
		return domain.NewErrorResult(task.JobID, task.Language, domain.StatusFeederError,
			"invalid message format", "missing job_id, code or language")
	}

	memoryMB := coerceInt(task.MemoryLimit, p.defaults.MemoryLimitMB)
	compileTimeout := coerceInt(task.CompileTimeout, p.defaults.CompileTimeoutMS)
	runTimeout := coerceInt(task.RunTimeout, p.defaults.RunTimeoutMS)

	version, ok := p.registry.Lookup(task.Language)
	if !ok {
		p.log.Warn("unsupported language", zap.String("job_id", task.JobID), zap.String("language", task.Language))
		return domain.NewErrorResult(task.JobID, task.Language, domain.StatusUnsupportedLanguage,
			fmt.Sprintf("language %q is not supported by the execution engine", task.Language), "")
	}

	req := piston.ExecuteRequest{
		Language:       task.Language,
		Version:        version,
		Files:          []piston.File{{Content: task.Code}},
		CompileTimeout: compileTimeout,
		RunTimeout:     runTimeout,
	}
	if memoryMB > 0 {
		bytes := int64(memoryMB) * 1024 * 1024
		req.CompileMemoryLimit = &bytes
		req.RunMemoryLimit = &bytes
	}
	callTimeout := time.Duration(compileTimeout+runTimeout)*time.Millisecond + engineTimeoutMargin

	resp, err := p.execute(ctx, task.JobID, req, callTimeout)
	if err != nil {
		return p.engineErrorResult(task.JobID, task.Language, err)
	}

	return successResult(task.JobID, task.Language, resp)
}

// execute drives the engine, retrying only the 429 branch with linearly
// increasing backoff up to the cap.
func (p *Processor) execute(ctx context.Context, jobID string, req piston.ExecuteRequest, timeout time.Duration) (*piston.ExecuteResponse, error) {
	resp, err := p.engine.Execute(ctx, req, timeout)
	if !errors.Is(err, piston.ErrRateLimited) {
		return resp, err
	}

	for attempt := 1; attempt <= rateLimitRetryCap; attempt++ {
		p.log.Warn("engine rate limited, backing off",
			zap.String("job_id", jobID), zap.Int("attempt", attempt))
		select {
		case <-time.After(p.retryDelay(attempt)):
		case <-ctx.Done():
			return nil, piston.ErrTimeout
		}

		resp, err = p.engine.Execute(ctx, req, timeout)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, piston.ErrRateLimited) {
			return nil, errors.Wrap(errRetryAborted, err.Error())
		}
	}
	return nil, errRetriesExhausted
}

var (
	errRetriesExhausted = errors.New("rate limit retries exhausted")
	errRetryAborted     = errors.New("engine error during rate limit retry")
)

func (p *Processor) engineErrorResult(jobID, language string, err error) *domain.ResultMessage {
	p.log.Error("engine call failed", zap.String("job_id", jobID), zap.Error(err))

	var statusErr *piston.StatusError
	switch {
	case errors.Is(err, piston.ErrTimeout):
		return domain.NewErrorResult(jobID, language, domain.StatusEngineTimeout, "", err.Error())
	case errors.Is(err, piston.ErrRateLimited), errors.Is(err, errRetriesExhausted):
		return domain.NewErrorResult(jobID, language, domain.StatusEngineRateLimited, "", err.Error())
	case errors.Is(err, errRetryAborted):
		return domain.NewErrorResult(jobID, language, domain.StatusEngineRetryError, "", err.Error())
	case errors.Is(err, piston.ErrBadResponse):
		return domain.NewErrorResult(jobID, language, domain.StatusEngineResponseError, "", err.Error())
	case errors.As(err, &statusErr):
		return domain.NewErrorResult(jobID, language,
			domain.StatusEngineHTTPError(statusErr.Code), "", err.Error())
	case errors.Is(err, piston.ErrConnection):
		return domain.NewErrorResult(jobID, language, domain.StatusEngineConnectionError, "", err.Error())
	default:
		return domain.NewErrorResult(jobID, language, domain.StatusFeederProcessingError, "", err.Error())
	}
}

func successResult(jobID, language string, resp *piston.ExecuteResponse) *domain.ResultMessage {
	res := &domain.ResultMessage{
		JobID:    jobID,
		Language: language,
		Version:  resp.Version,
		Status:   domain.StatusError,
		Fail:     true,
	}
	if resp.Run != nil {
		res.Stdout = &resp.Run.Stdout
		res.Stderr = &resp.Run.Stderr
		if resp.Run.Code != nil && *resp.Run.Code == 0 {
			res.Status = domain.StatusSuccess
			res.Fail = false
		}
	}
	if resp.Compile != nil {
		res.CompileOutput = &resp.Compile.Output
		res.CompileStderr = &resp.Compile.Stderr
	}

	// Most useful diagnostic first: run signal, then compile stderr, then
	// run stderr.
	switch {
	case resp.Run != nil && resp.Run.Signal != nil && *resp.Run.Signal != "":
		res.Message = *resp.Run.Signal
	case resp.Compile != nil && resp.Compile.Stderr != "":
		res.Message = resp.Compile.Stderr
	case resp.Run != nil && resp.Run.Stderr != "":
		res.Message = resp.Run.Stderr
	}
	return res
}

// coerceInt accepts any JSON number (or numeric string) and falls back to
// the default on anything else; a malformed override never aborts the job.
func coerceInt(raw json.RawMessage, def int) int {
	if len(raw) == 0 {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

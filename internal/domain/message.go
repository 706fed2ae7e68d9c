package domain

import "fmt"

// Status classifies the outcome of one execution task.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusError               Status = "error"
	StatusUnsupportedLanguage Status = "unsupported_language"

	// Engine-side failures, named after the sandbox they come from.
	StatusEngineTimeout         Status = "piston_timeout"
	StatusEngineConnectionError Status = "piston_connection_error"
	StatusEngineRateLimited     Status = "piston_rate_limited"
	StatusEngineRetryError      Status = "piston_api_error_retry"
	StatusEngineResponseError   Status = "piston_response_error"

	// Feeder-side failures.
	StatusFeederError           Status = "feeder_error"
	StatusFeederProcessingError Status = "feeder_processing_error"
)

// StatusEngineHTTPError builds the status for a non-2xx, non-429 engine reply.
func StatusEngineHTTPError(code int) Status {
	return Status(fmt.Sprintf("piston_http_error_%d", code))
}

// TaskMessage is the wire format on the task queue. Override fields are
// omitted when unset so the feeder applies its own defaults.
type TaskMessage struct {
	JobID          string `json:"job_id"`
	Code           string `json:"code"`
	Language       string `json:"language"`
	MemoryLimit    *int   `json:"memory_limit,omitempty"`
	CompileTimeout *int   `json:"compile_timeout,omitempty"`
	RunTimeout     *int   `json:"run_timeout,omitempty"`
}

// ResultMessage is the wire format on the results queue. Stage outputs are
// pointers so an absent stage stays distinguishable from empty output.
type ResultMessage struct {
	JobID         string  `json:"job_id"`
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	CompileStderr *string `json:"compile_stderr"`
	Language      string  `json:"language"`
	Version       string  `json:"version"`
	Status        Status  `json:"status"`
	Message       string  `json:"message"`
	Fail          bool    `json:"fail"`
}

// NewErrorResult builds a failed ResultMessage for the given job. stderr goes
// into both the stderr field and, when message is empty, the message field.
func NewErrorResult(jobID, language string, status Status, message, stderr string) *ResultMessage {
	if message == "" {
		message = stderr
	}
	res := &ResultMessage{
		JobID:    jobID,
		Language: language,
		Status:   status,
		Message:  message,
		Fail:     true,
	}
	if stderr != "" {
		res.Stderr = &stderr
	}
	return res
}

// SubmitRequest is the body of POST /submit. Settings, when present, is an
// opaque token produced by the out-of-band settings encryption tool.
type SubmitRequest struct {
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Settings *string `json:"settings,omitempty"`
}

// SubmitResponse carries the keyed hash of the execution's stdout.
type SubmitResponse struct {
	Flag string `json:"flag"`
}

// ErrorResponse mirrors the detail shape clients already parse.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Package scheduler is the front door: it turns one blocking HTTP submission
// into a published task, waits on the pending registry for the matching
// result, and answers with the keyed flag of whatever the code printed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/crypto"
	"github.com/flagforge/execd/internal/domain"
)

// TaskPublisher is the task-queue side of the broker as the HTTP handler
// sees it.
type TaskPublisher interface {
	Publish(ctx context.Context, body []byte) error
	Ping(ctx context.Context) error
}

type Server struct {
	tasks    TaskPublisher
	pending  *PendingRegistry[*domain.ResultMessage]
	cipher   *crypto.SettingsCipher // nil when ENCRYPTION_KEY is unusable
	signer   *crypto.FlagSigner     // nil when SIGNATURE_KEY is unset
	deadline time.Duration
	log      *zap.Logger
}

func NewServer(tasks TaskPublisher, pending *PendingRegistry[*domain.ResultMessage],
	cipher *crypto.SettingsCipher, signer *crypto.FlagSigner,
	deadline time.Duration, log *zap.Logger) *Server {
	return &Server{
		tasks:    tasks,
		pending:  pending,
		cipher:   cipher,
		signer:   signer,
		deadline: deadline,
		log:      log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/submit", s.handleSubmit)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cipher == nil || s.signer == nil {
		s.log.Error("submission rejected, security keys not configured")
		writeError(w, http.StatusInternalServerError,
			"server is not configured with the necessary security keys")
		return
	}
	if err := s.tasks.Ping(r.Context()); err != nil {
		s.log.Error("broker unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable,
			"scheduler is not connected to the message broker")
		return
	}

	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "missing 'code' or 'language' in request body")
		return
	}

	var overrides crypto.Overrides
	if req.Settings != nil {
		var err error
		overrides, err = s.cipher.Decrypt(*req.Settings)
		if err != nil {
			s.log.Warn("settings rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid or unprocessable settings: %v", err))
			return
		}
	}

	jobID := uuid.NewString()
	task := domain.TaskMessage{
		JobID:          jobID,
		Code:           req.Code,
		Language:       req.Language,
		MemoryLimit:    overrides.MemoryLimit,
		CompileTimeout: overrides.CompileTimeout,
		RunTimeout:     overrides.RunTimeout,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode task")
		return
	}

	// Register before publish: the result consumer must find the handle even
	// if the feeder answers faster than this goroutine resumes.
	handle := s.pending.Register(jobID)
	if err := s.tasks.Publish(r.Context(), payload); err != nil {
		s.pending.Cancel(jobID)
		s.log.Error("task publish failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to publish execution task")
		return
	}
	s.log.Info("task published", zap.String("job_id", jobID), zap.String("language", req.Language))

	select {
	case result := <-handle:
		stdout := ""
		if result.Stdout != nil {
			stdout = *result.Stdout
		}
		writeJSON(w, http.StatusOK, domain.SubmitResponse{Flag: s.signer.Flag(stdout)})

	case <-time.After(s.deadline):
		s.pending.Cancel(jobID)
		s.log.Warn("execution deadline exceeded", zap.String("job_id", jobID))
		writeError(w, http.StatusGatewayTimeout,
			fmt.Sprintf("code execution timed out after %s", s.deadline))

	case <-r.Context().Done():
		// Caller went away; nothing left to answer.
		s.pending.Cancel(jobID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, domain.ErrorResponse{Detail: detail})
}

package scheduler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/domain"
	"github.com/flagforge/execd/internal/queue"
)

// NewResultHandler returns the results-queue handler: parse, resolve the
// matching pending handle, drop anything else. It always returns nil so
// every message is acknowledged; requeueing a malformed or unclaimed result
// would only build a poison-message loop.
func NewResultHandler(pending *PendingRegistry[*domain.ResultMessage], log *zap.Logger) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		var msg domain.ResultMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			log.Error("undecodable result message, dropping", zap.Error(err))
			return nil
		}
		if !pending.Resolve(msg.JobID, &msg) {
			log.Warn("result for unknown or expired job, dropping",
				zap.String("job_id", msg.JobID), zap.String("status", string(msg.Status)))
			return nil
		}
		log.Info("result delivered", zap.String("job_id", msg.JobID),
			zap.String("status", string(msg.Status)))
		return nil
	}
}

package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/domain"
)

func TestResultHandler_ResolvesPendingJob(t *testing.T) {
	pending := NewPendingRegistry[*domain.ResultMessage]()
	handle := pending.Register("job-1")
	h := NewResultHandler(pending, zap.NewNop())

	body := []byte(`{"job_id":"job-1","stdout":"ok\n","status":"success","fail":false}`)
	require.NoError(t, h(context.Background(), body))

	result := <-handle
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, domain.StatusSuccess, result.Status)
	require.NotNil(t, result.Stdout)
	assert.Equal(t, "ok\n", *result.Stdout)
}

func TestResultHandler_UnknownJobIsDropped(t *testing.T) {
	pending := NewPendingRegistry[*domain.ResultMessage]()
	h := NewResultHandler(pending, zap.NewNop())

	// Must ack (nil) so the message cannot loop forever.
	assert.NoError(t, h(context.Background(), []byte(`{"job_id":"nobody-waits"}`)))
	assert.Equal(t, 0, pending.Outstanding())
}

func TestResultHandler_MalformedMessageIsAcked(t *testing.T) {
	pending := NewPendingRegistry[*domain.ResultMessage]()
	h := NewResultHandler(pending, zap.NewNop())

	assert.NoError(t, h(context.Background(), []byte(`{{{not json`)))
}

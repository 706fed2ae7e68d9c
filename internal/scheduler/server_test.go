package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/crypto"
	"github.com/flagforge/execd/internal/domain"
)

// fakeBroker captures published task bodies and lets tests fail the
// availability probe or the publish itself.
type fakeBroker struct {
	published  chan []byte
	pingErr    error
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(chan []byte, 8)}
}

func (f *fakeBroker) Publish(ctx context.Context, body []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published <- body
	return nil
}

func (f *fakeBroker) Ping(ctx context.Context) error { return f.pingErr }

type serverFixture struct {
	srv     *Server
	broker  *fakeBroker
	pending *PendingRegistry[*domain.ResultMessage]
	cipher  *crypto.SettingsCipher
	signer  *crypto.FlagSigner
}

func newServerFixture(t *testing.T, deadline time.Duration) *serverFixture {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	cipher, err := crypto.NewSettingsCipher(k.Encode())
	require.NoError(t, err)

	broker := newFakeBroker()
	pending := NewPendingRegistry[*domain.ResultMessage]()
	signer := crypto.NewFlagSigner("test-signature-key")
	return &serverFixture{
		srv:     NewServer(broker, pending, cipher, signer, deadline, zap.NewNop()),
		broker:  broker,
		pending: pending,
		cipher:  cipher,
		signer:  signer,
	}
}

func (f *serverFixture) submit(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmit_RoundTrip(t *testing.T) {
	f := newServerFixture(t, 5*time.Second)

	// The feeder side of the exchange: take the published task and push a
	// successful result for its job id.
	go func() {
		body := <-f.broker.published
		var task domain.TaskMessage
		if err := json.Unmarshal(body, &task); err != nil {
			return
		}
		stdout := "hi\n"
		f.pending.Resolve(task.JobID, &domain.ResultMessage{
			JobID:  task.JobID,
			Stdout: &stdout,
			Status: domain.StatusSuccess,
		})
	}()

	rec := f.submit(`{"code":"print(\"hi\")","language":"python"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, f.signer.Flag("hi\n"), resp.Flag)
	assert.Equal(t, 0, f.pending.Outstanding())
}

func TestSubmit_NilStdoutHashesEmptyString(t *testing.T) {
	f := newServerFixture(t, 5*time.Second)

	go func() {
		body := <-f.broker.published
		var task domain.TaskMessage
		if err := json.Unmarshal(body, &task); err != nil {
			return
		}
		f.pending.Resolve(task.JobID, &domain.ResultMessage{
			JobID:  task.JobID,
			Status: domain.StatusError,
			Fail:   true,
		})
	}()

	rec := f.submit(`{"code":"x","language":"python"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, f.signer.Flag(""), resp.Flag)
}

func TestSubmit_MissingFields(t *testing.T) {
	f := newServerFixture(t, time.Second)

	for name, body := range map[string]string{
		"no code":     `{"language":"python"}`,
		"no language": `{"code":"x"}`,
		"bad json":    `{"code": `,
	} {
		rec := f.submit(body)
		assert.Equalf(t, http.StatusBadRequest, rec.Code, "%s: %s", name, rec.Body.String())
	}
}

func TestSubmit_SettingsOverridesForwarded(t *testing.T) {
	f := newServerFixture(t, 5*time.Second)

	token, err := f.cipher.Encrypt([]byte(`{"memory_limit":256,"run_timeout":2000,"ignored":"yes"}`))
	require.NoError(t, err)

	seen := make(chan domain.TaskMessage, 1)
	go func() {
		body := <-f.broker.published
		var task domain.TaskMessage
		if err := json.Unmarshal(body, &task); err != nil {
			return
		}
		seen <- task
		f.pending.Resolve(task.JobID, &domain.ResultMessage{JobID: task.JobID})
	}()

	reqBody, _ := json.Marshal(domain.SubmitRequest{
		Code: "x", Language: "python", Settings: &token,
	})
	rec := f.submit(string(reqBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := <-seen
	require.NotNil(t, task.MemoryLimit)
	assert.Equal(t, 256, *task.MemoryLimit)
	require.NotNil(t, task.RunTimeout)
	assert.Equal(t, 2000, *task.RunTimeout)
	assert.Nil(t, task.CompileTimeout, "override absent from settings stays unset")
	assert.NotEmpty(t, task.JobID)
}

func TestSubmit_BadSettingsToken(t *testing.T) {
	f := newServerFixture(t, time.Second)

	rec := f.submit(`{"code":"x","language":"python","settings":"garbage-token"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Detail, "settings")
	assert.Len(t, f.broker.published, 0, "nothing may be published for a rejected token")
}

func TestSubmit_KeysUnconfigured(t *testing.T) {
	broker := newFakeBroker()
	pending := NewPendingRegistry[*domain.ResultMessage]()
	srv := NewServer(broker, pending, nil, nil, time.Second, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{"code":"x","language":"go"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmit_BrokerUnavailable(t *testing.T) {
	f := newServerFixture(t, time.Second)
	f.broker.pingErr = errors.New("connection refused")

	rec := f.submit(`{"code":"x","language":"go"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Len(t, f.broker.published, 0, "publish must not be attempted")
}

func TestSubmit_PublishFailureCleansUp(t *testing.T) {
	f := newServerFixture(t, time.Second)
	f.broker.publishErr = errors.New("stream gone")

	rec := f.submit(`{"code":"x","language":"go"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, f.pending.Outstanding(), "handle must not leak")
}

func TestSubmit_DeadlineExpiry(t *testing.T) {
	f := newServerFixture(t, 50*time.Millisecond)

	rec := f.submit(`{"code":"x","language":"go"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 0, f.pending.Outstanding(), "timed-out handle must be discarded")

	// A late result for the expired job has no observable effect.
	body := <-f.broker.published
	var task domain.TaskMessage
	require.NoError(t, json.Unmarshal(body, &task))
	assert.False(t, f.pending.Resolve(task.JobID, &domain.ResultMessage{JobID: task.JobID}))
}

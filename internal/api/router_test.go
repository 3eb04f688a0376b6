package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/api"
	"github.com/certdispatch/certdispatch/internal/api/handler"
	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/auth"
	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/notify"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/settings"
	"github.com/certdispatch/certdispatch/internal/store"
	"github.com/certdispatch/certdispatch/internal/token"
)

const testSigningKey = "test-secret-key-for-testing-only"

type recordingSender struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) sent() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.messages...)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router   http.Handler
	jwt      *auth.JWTService
	sender   *recordingSender
	activity *activity.Log
	queue    *queue.Service
	operator string
}

type serverOption func(*api.RouterConfig)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	logger := zerolog.New(io.Discard)
	st := store.NewMemoryStore()

	log := activity.NewLog(activity.Config{Store: st, Logger: logger})
	tokens := token.NewService(token.Config{Store: st, Activity: log, Logger: logger})
	tasks := queue.NewService(queue.Config{Store: st, Activity: log, Logger: logger})
	records := certificate.NewManager(certificate.ManagerConfig{
		Repository: certificate.NewStoreRepository(st, "", logger),
		Logger:     logger,
	})
	remote := settings.NewService(settings.ServiceConfig{Store: st, Activity: log, Logger: logger})

	sender := &recordingSender{}
	notifier := notify.New(notify.Config{
		Tokens:   tokens,
		Sender:   sender,
		Site:     "test-site",
		Activity: log,
		Logger:   logger,
	})
	gateway := dispatch.NewGateway(dispatch.GatewayConfig{
		Tokens:        tokens,
		Queue:         tasks,
		Records:       records,
		Notifier:      notifier,
		Activity:      log,
		Logger:        logger,
		PublicBaseURL: "https://controller.test",
	})
	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Queue:    tasks,
		Records:  records,
		Settings: remote,
		Tokens:   tokens,
		Logger:   logger,
	})
	jwtService := auth.NewJWTService(auth.JWTConfig{SigningKey: testSigningKey})

	cfg := api.RouterConfig{
		Version:      "test",
		BuildTime:    "2026-01-01T00:00:00Z",
		Logger:       logger,
		Gateway:      gateway,
		OperatorAuth: jwtService,
		Tokens:       tokens,
		Notifier:     notifier,
		Queue:        tasks,
		Certificates: records,
		Dispatcher:   dispatcher,
		Activity:     log,
		Settings:     remote,
		Dependencies: map[string]handler.Pinger{"store": st},
		Breakers:     resilience.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testServer{
		router:   api.NewRouter(cfg),
		jwt:      jwtService,
		sender:   sender,
		activity: log,
		queue:    tasks,
		operator: "alice",
	}
}

type request struct {
	method string
	path   string
	body   any
	agent  string
	admin  bool
}

func (s *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if req.body != nil {
		raw, ok := req.body.(string)
		if !ok {
			data, err := json.Marshal(req.body)
			require.NoError(t, err)
			raw = string(data)
		}
		body = bytes.NewBufferString(raw)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	r.RemoteAddr = "192.0.2.10:40000"
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.agent != "" {
		r.Header.Set("X-Agent-Token", req.agent)
	}
	if req.admin {
		bearer, _, err := s.jwt.GenerateToken(s.operator, time.Hour)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) createToken(t *testing.T, name string) models.Token {
	t.Helper()
	w := s.do(t, request{method: http.MethodPost, path: "/v1/admin/tokens", body: map[string]string{"name": name}, admin: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Token](t, w)
}

func (s *testServer) activityMessages(t *testing.T) []string {
	t.Helper()
	entries, err := s.activity.List(context.Background(), 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestRouter_HealthCheck(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, request{method: http.MethodGet, path: "/v1/ops/health"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	health := decode[models.Health](t, w)
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Details["version"])
}

func TestRouter_ReadinessCheck(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		srv := newTestServer(t)

		w := srv.do(t, request{method: http.MethodGet, path: "/v1/ops/ready"})

		assert.Equal(t, http.StatusOK, w.Code)
		health := decode[models.Health](t, w)
		assert.Equal(t, models.HealthStatusOK, health.Status)
		assert.Equal(t, "OK", health.Details["store"])
	})

	t.Run("dependency down", func(t *testing.T) {
		srv := newTestServer(t, func(cfg *api.RouterConfig) {
			cfg.Dependencies["postgres"] = failingPinger{}
		})

		w := srv.do(t, request{method: http.MethodGet, path: "/v1/ops/ready"})

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		health := decode[models.Health](t, w)
		assert.Equal(t, models.HealthStatusFail, health.Status)
		assert.Equal(t, "FAIL", health.Details["postgres"])
	})
}

func TestRouter_SystemStatus(t *testing.T) {
	srv := newTestServer(t)
	srv.createToken(t, "edge")

	w := srv.do(t, request{method: http.MethodGet, path: "/v1/ops/status"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/ops/status", admin: true})
	require.Equal(t, http.StatusOK, w.Code)

	status := decode[models.SystemStatus](t, w)
	assert.Equal(t, models.HealthStatusOK, status.Status)
	require.Len(t, status.Subsystems, 1)
	assert.Equal(t, "store", status.Subsystems[0].Name)
	require.NotNil(t, status.Queue)
	assert.Equal(t, 0, status.Queue.Total)
	require.NotNil(t, status.Tokens)
	assert.Equal(t, 2, status.Tokens.Total, "default token plus the created one")
	assert.Equal(t, 2, status.Tokens.Unknown)
	assert.Empty(t, status.Breakers)
}

func TestRouter_AgentForbiddenShape(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.queue.Enqueue(ctx, queue.EnqueueRequest{SubjectID: "9", Target: "https://a.example.com", AgentOnly: true})
	require.NoError(t, err)
	before, err := srv.queue.Stats(ctx)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		secret string
	}{
		{"poll without token", http.MethodGet, "/agent/poll", ""},
		{"poll with unknown token", http.MethodGet, "/agent/poll", "not-a-secret"},
		{"report with unknown token", http.MethodPost, "/agent/report", "not-a-secret"},
		{"ack without token", http.MethodPost, "/agent/ack", ""},
		{"tasks with unknown token", http.MethodGet, "/agent/tasks", "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, request{method: tt.method, path: tt.path, agent: tt.secret})

			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.JSONEq(t, `{"error":"forbidden"}`, w.Body.String())
		})
	}

	after, err := srv.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected polls lease nothing")
	assert.Equal(t, 1, after.Pending)

	msgs := srv.activityMessages(t)
	assert.Contains(t, msgs, "agent request without token")
	assert.Contains(t, msgs, "agent token authentication failed")
}

func TestRouter_AdminRequiresOperatorToken(t *testing.T) {
	srv := newTestServer(t)

	paths := []string{
		"/v1/admin/tokens",
		"/v1/admin/queue/tasks",
		"/v1/admin/certificates",
		"/v1/admin/activity",
		"/v1/admin/settings/remote-client",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			w := srv.do(t, request{method: http.MethodGet, path: path})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

			w = srv.do(t, request{method: http.MethodGet, path: path, admin: true})
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		})
	}
}

func TestRouter_AgentSecretIsNotAnOperatorToken(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.createToken(t, "edge")

	r := httptest.NewRequest(http.MethodGet, "/v1/admin/tokens", http.NoBody)
	r.Header.Set("Authorization", "Bearer "+tok.Secret)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_TokenLifecycle(t *testing.T) {
	srv := newTestServer(t)

	created := srv.createToken(t, "edge")
	assert.Len(t, created.Secret, 40, "create reveals the secret once")
	assert.Equal(t, "****"+created.Secret[36:], created.SecretMasked)

	w := srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.ListResponse[models.Token]](t, w)
	require.Equal(t, 2, list.Count)
	for _, tok := range list.Items {
		assert.Empty(t, tok.Secret, "listing never reveals secrets")
	}

	w = srv.do(t, request{
		method: http.MethodPatch,
		path:   "/v1/admin/tokens/" + created.ID,
		body:   map[string]any{"name": "edge-renamed", "notifyOnOffline": true, "notifyRecipients": []string{"ops@example.com"}},
		admin:  true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Token](t, w)
	assert.Equal(t, "edge-renamed", updated.Name)
	assert.Equal(t, []string{"ops@example.com"}, updated.NotifyRecipients)

	w = srv.do(t, request{
		method: http.MethodPatch,
		path:   "/v1/admin/tokens/" + created.ID,
		body:   map[string]any{"notifyRecipients": []string{"not an address"}},
		admin:  true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/tokens/" + created.ID + "/rotate", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	rotated := decode[models.Token](t, w)
	assert.NotEqual(t, created.Secret, rotated.Secret)
	assert.Equal(t, "unknown", rotated.HealthStatus)

	w = srv.do(t, request{method: http.MethodDelete, path: "/v1/admin/tokens/" + created.ID, admin: true})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens/" + created.ID, admin: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RevealDefaultTokenSecret(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.ListResponse[models.Token]](t, w)
	require.Equal(t, 1, list.Count)
	def := list.Items[0]

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens/" + def.ID, admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[models.Token](t, w).Secret)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens/" + def.ID + "?reveal=1", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	revealed := decode[models.Token](t, w)
	require.Len(t, revealed.Secret, 40)
	assert.Equal(t, def.SecretMasked, revealed.SecretMasked)

	w = srv.do(t, request{method: http.MethodGet, path: "/agent/tasks", agent: revealed.Secret})
	assert.Equal(t, http.StatusOK, w.Code, "the revealed secret authenticates an agent")
}

func TestRouter_CertificateDuplicateID(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{"id": "101", "url": "https://shop.example.com"}

	w := srv.do(t, request{method: http.MethodPost, path: "/v1/admin/certificates", body: body, admin: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "101", decode[models.Certificate](t, w).ID)

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/certificates", body: body, admin: true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestRouter_RotatedSecretMarksOfflineAndNotifies(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createToken(t, "edge")

	w := srv.do(t, request{
		method: http.MethodPatch,
		path:   "/v1/admin/tokens/" + created.ID,
		body:   map[string]any{"notifyOnOffline": true, "notifyRecipients": []string{"ops@example.com"}},
		admin:  true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/tokens/" + created.ID + "/rotate", admin: true})
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, request{method: http.MethodGet, path: "/agent/poll", agent: created.Secret})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, w.Body.String())

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens/" + created.ID, admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	tok := decode[models.Token](t, w)
	assert.Equal(t, "offline", tok.HealthStatus)
	assert.Equal(t, "agent presented a rotated secret", tok.LastError)

	sent := srv.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].To)
	assert.Equal(t, "Agent connection alert - edge - test-site", sent[0].Subject)
}

func TestRouter_OperatorMarksTokenOffline(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createToken(t, "edge")

	w := srv.do(t, request{
		method: http.MethodPost,
		path:   "/v1/admin/tokens/" + created.ID + "/offline",
		body:   map[string]string{"message": "maintenance window"},
		admin:  true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[models.MarkOfflineResponse](t, w)
	assert.Equal(t, "offline", result.Token.HealthStatus)
	assert.Equal(t, "maintenance window", result.Token.LastError)
	assert.False(t, result.Notified, "no recipients configured")
	assert.Empty(t, srv.sender.sent())
}

func TestRouter_EndToEndCheck(t *testing.T) {
	srv := newTestServer(t)
	agent := srv.createToken(t, "edge")

	// Register an agent-only endpoint and enable the remote path.
	w := srv.do(t, request{
		method: http.MethodPost,
		path:   "/v1/admin/certificates",
		body:   map[string]any{"url": "https://internal.example.com", "label": "Intranet", "agentOnly": true},
		admin:  true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cert := decode[models.Certificate](t, w)

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/certificates/" + cert.ID + "/check", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(dispatch.Skipped), decode[models.DispatchResponse](t, w).Outcome,
		"agent-only checks are skipped while the remote path is off")

	w = srv.do(t, request{
		method: http.MethodPut,
		path:   "/v1/admin/settings/remote-client",
		body:   map[string]bool{"enabled": true, "localFallback": false},
		admin:  true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/certificates/" + cert.ID + "/check", body: map[string]string{"context": "manual"}, admin: true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	dispatched := decode[models.DispatchResponse](t, w)
	assert.Equal(t, string(dispatch.Queued), dispatched.Outcome)
	require.NotEmpty(t, dispatched.RequestID)

	// The agent leases the task.
	w = srv.do(t, request{method: http.MethodGet, path: "/agent/poll?limit=5&agent_only=1", agent: agent.Secret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	polled := decode[dispatch.PollResult](t, w)
	require.Equal(t, 1, polled.Count)
	assert.Equal(t, 1, polled.Pending)
	task := polled.Tasks[0]
	assert.Equal(t, cert.ID, string(task.SubjectID))
	assert.Equal(t, "https://internal.example.com", task.Target)
	assert.Equal(t, dispatched.RequestID, task.RequestID)
	assert.Equal(t, "https://controller.test/agent/report", task.CallbackURL)

	// A second poll finds nothing while the lease is live.
	w = srv.do(t, request{method: http.MethodPost, path: "/agent/poll", agent: agent.Secret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[dispatch.PollResult](t, w).Count)

	w = srv.do(t, request{
		method: http.MethodPost,
		path:   "/agent/ack",
		body:   map[string]any{"tasks": []map[string]string{{"id": cert.ID, "request_id": task.RequestID}}},
		agent:  agent.Secret,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"acknowledged":1}`, w.Body.String())

	expiry := time.Date(2027, 5, 1, 0, 0, 0, 0, time.UTC)
	w = srv.do(t, request{
		method: http.MethodPost,
		path:   "/agent/report",
		body: map[string]any{"results": []map[string]any{{
			"id":          cert.ID,
			"request_id":  task.RequestID,
			"expiry_ts":   expiry.Unix(),
			"common_name": "internal.example.com",
			"issuer":      "Example CA",
		}}},
		agent: agent.Secret,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true,"updated":1}`, w.Body.String())

	// The record carries the reported expiry and the queue is drained.
	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/certificates/" + cert.ID, admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[models.Certificate](t, w)
	require.NotNil(t, updated.ExpiresAt)
	assert.True(t, expiry.Equal(updated.ExpiresAt.Time()))
	assert.Equal(t, "internal.example.com", updated.CommonName)
	assert.Empty(t, updated.LastError)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/queue/tasks", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[models.ListResponse[models.Task]](t, w).Count)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/tokens/" + agent.ID, admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", decode[models.Token](t, w).HealthStatus)

	msgs := srv.activityMessages(t)
	assert.Contains(t, msgs, "task queued")
	assert.Contains(t, msgs, "tasks handed to agent")
	assert.Contains(t, msgs, "agent acknowledged tasks")
	assert.Contains(t, msgs, "check task completed")
	assert.Contains(t, msgs, "agent authenticated")
}

func TestRouter_ReportEdgeCases(t *testing.T) {
	srv := newTestServer(t)
	agent := srv.createToken(t, "edge")

	w := srv.do(t, request{method: http.MethodPost, path: "/agent/report", body: `{"results":[]}`, agent: agent.Secret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"updated":0}`, w.Body.String())
	assert.Contains(t, srv.activityMessages(t), "agent report received without results")

	w = srv.do(t, request{method: http.MethodPost, path: "/agent/report", body: `{"results":`, agent: agent.Secret})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, request{method: http.MethodPost, path: "/agent/report", body: `{"results":[{"id":0},{"id":"abc"},"junk"]}`, agent: agent.Secret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"updated":1}`, w.Body.String(), "only the row with a usable id counts")
}

func TestRouter_QueueAdmin(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, request{
		method: http.MethodPost,
		path:   "/v1/admin/queue/tasks",
		body:   map[string]any{"subjectId": "42", "target": "https://a.example.com", "agentOnly": false},
		admin:  true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	requestID := decode[models.EnqueueTaskResponse](t, w).RequestID
	assert.Regexp(t, `^job_[0-9a-f]{32}$`, requestID)

	w = srv.do(t, request{method: http.MethodPost, path: "/v1/admin/queue/tasks", body: map[string]any{"subjectId": "43"}, admin: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/queue/peek?agent_only=0", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	peeked := decode[models.ListResponse[models.Task]](t, w)
	require.Equal(t, 1, peeked.Count)
	assert.Equal(t, "pending", peeked.Items[0].Status)

	w = srv.do(t, request{method: http.MethodGet, path: "/v1/admin/queue/peek?agent_only=1", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[models.ListResponse[models.Task]](t, w).Count)

	w = srv.do(t, request{method: http.MethodDelete, path: "/v1/admin/queue/tasks/42", admin: true})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, request{method: http.MethodDelete, path: "/v1/admin/queue/tasks/42", admin: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_AdminRejectsNonJSONBodies(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/admin/tokens", bytes.NewBufferString("name=edge"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bearer, _, err := srv.jwt.GenerateToken("alice", time.Hour)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, request{method: http.MethodGet, path: "/v1/nonexistent"})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

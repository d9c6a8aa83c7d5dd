package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"researchd/pkg/dispatch"
	"researchd/pkg/eventbus"
	"researchd/pkg/metrics"
	"researchd/pkg/store"
)

type fakeQueue struct {
	msgs []dispatch.Msg
	err  error
}

func (f *fakeQueue) Enqueue(msg dispatch.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeQueue) Depth() int { return len(f.msgs) }

type fakeHealth struct {
	result *store.HealthCheckResult
	runErr error
}

func (f *fakeHealth) RunNow(context.Context) (*store.HealthCheckResult, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.result, nil
}

func (f *fakeHealth) Latest() (*store.HealthCheckResult, error) {
	if f.result == nil {
		return nil, store.ErrNoHealthChecks
	}
	return f.result, nil
}

type fixture struct {
	server *Server
	store  *store.Store
	bus    *eventbus.Bus
	queue  *fakeQueue
	health *fakeHealth
	ts     *httptest.Server
}

func newFixture(t *testing.T, adminHash string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queue := &fakeQueue{}
	hc := &fakeHealth{}
	bus := eventbus.NewBus(nil)
	server := New(Config{
		ListenAddr:    ":0",
		Store:         st,
		Bus:           bus,
		Queue:         queue,
		Health:        hc,
		AdminPassHash: adminHash,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: server, store: st, bus: bus, queue: queue, health: hc, ts: ts}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestResearchAdmitsValidRequest(t *testing.T) {
	f := newFixture(t, "")

	resp := f.post(t, "/research", ResearchRequest{
		Mode:    "auto-analyze",
		RepoURL: "https://github.com/example/repo",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	id := body["sessionId"]
	require.NotEmpty(t, id)

	sess, err := f.store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionQueued, sess.Status)
	assert.Equal(t, "auto-analyze", sess.Mode)

	require.Len(t, f.queue.msgs, 1)
	assert.Equal(t, id, f.queue.msgs[0].SessionID)
}

func TestResearchValidation(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name    string
		req     ResearchRequest
		wantMsg string
	}{
		{"missing mode", ResearchRequest{RepoURL: "https://x.test/r"}, "mode"},
		{"unknown mode", ResearchRequest{Mode: "meditate"}, "not a supported mode"},
		{"auto-analyze without repoUrl", ResearchRequest{Mode: "auto-analyze"}, "repoUrl"},
		{"pr-analyze without prUrl", ResearchRequest{Mode: "pr-analyze"}, "prUrl"},
		{"bad scheme", ResearchRequest{Mode: "auto-analyze", RepoURL: "ftp://x.test/r"}, "http or https"},
		{"not a url", ResearchRequest{Mode: "pr-analyze", PRURL: "://"}, "prUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/research", tt.req)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			decodeBody(t, resp, &body)
			assert.Contains(t, body["error"], tt.wantMsg)
		})
	}

	// Synchronous rejection leaves no session behind.
	sessions, err := f.store.RecentSessions(10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, f.queue.msgs)
}

func TestResearchQueueFull(t *testing.T) {
	f := newFixture(t, "")
	f.queue.err = dispatch.ErrQueueFull

	resp := f.post(t, "/research", ResearchRequest{
		Mode:    "auto-analyze",
		RepoURL: "https://github.com/example/repo",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	sessions, err := f.store.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.SessionFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].ErrorDetail, "queue full")
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", `{"repoUrl":"https://x.test/r"}`))
	require.NoError(t, f.store.BeginStageAttempt(id, "brainstorm", 0, 1))
	f.store.LogAction(id, "session_admitted", "auto-analyze", nil, false)

	resp := f.get(t, "/sessions/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Session       *store.Session          `json:"session"`
		StageAttempts []*store.StageAttempt   `json:"stageAttempts"`
		Logs          []*store.ActionLogEntry `json:"logs"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, id, body.Session.ID)
	require.Len(t, body.StageAttempts, 1)
	assert.Equal(t, "brainstorm", body.StageAttempts[0].Stage)
	require.Len(t, body.Logs, 1)
	assert.Equal(t, "session_admitted", body.Logs[0].Action)

	resp = f.get(t, "/sessions/"+store.NewSessionID())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, "")
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.CreateSession(store.NewSessionID(), "auto-analyze", "{}"))
	}

	resp := f.get(t, "/sessions?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Sessions []*store.Session `json:"sessions"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Sessions, 2)

	resp = f.get(t, "/sessions?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))

	resp := f.post(t, "/sessions/"+id+"/cancel", struct{}{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	sess, err := f.store.GetSession(id)
	require.NoError(t, err)
	assert.True(t, sess.CancelRequested)

	resp = f.post(t, "/sessions/"+store.NewSessionID()+"/cancel", struct{}{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDownloadTrace(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))
	require.NoError(t, f.store.BeginStageAttempt(id, "brainstorm", 0, 1))
	f.store.LogAction(id, "session_admitted", "auto-analyze", nil, false)
	_, err := f.bus.Publish(id, eventbus.EventStatus, `{"state":"running"}`)
	require.NoError(t, err)

	artifact := filepath.Join(t.TempDir(), id+".md")
	require.NoError(t, os.WriteFile(artifact, []byte("# Final report\n"), 0o644))
	require.NoError(t, f.store.TransitionStatus(id, store.SessionQueued, store.SessionRunning))
	require.NoError(t, f.store.FinalizeSession(id, store.SessionRunning, store.SessionCompleted, artifact, ""))

	resp := f.get(t, "/sessions/"+id+"/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	var trace struct {
		Session       *store.Session          `json:"session"`
		StageAttempts []*store.StageAttempt   `json:"stageAttempts"`
		Logs          []*store.ActionLogEntry `json:"logs"`
		Events        []*eventbus.Event       `json:"events"`
		Report        string                  `json:"report"`
	}
	decodeBody(t, resp, &trace)
	assert.Equal(t, store.SessionCompleted, trace.Session.Status)
	require.Len(t, trace.StageAttempts, 1)
	require.Len(t, trace.Logs, 1)
	require.Len(t, trace.Events, 1)
	assert.Equal(t, "# Final report\n", trace.Report)

	resp = f.get(t, "/sessions/"+store.NewSessionID()+"/download")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, "")

	resp := f.get(t, "/health/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	f.health.result = &store.HealthCheckResult{
		Aggregate: "OK",
		Domains:   map[string]string{"store": "ok"},
	}
	resp = f.get(t, "/health/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result store.HealthCheckResult
	decodeBody(t, resp, &result)
	assert.Equal(t, "OK", result.Aggregate)

	resp = f.post(t, "/health/run", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	f.health.runErr = fmt.Errorf("health check already in progress")
	resp = f.post(t, "/health/run", struct{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthRunRequiresAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, string(hash))
	f.health.result = &store.HealthCheckResult{Aggregate: "OK"}

	resp := f.post(t, "/health/run", struct{}{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/health/run", strings.NewReader("{}"))
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodPost, f.ts.URL+"/health/run", strings.NewReader("{}"))
	require.NoError(t, err)
	req.SetBasicAuth("admin", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

type fakeMetricsQuerier struct {
	m   *metrics.SessionMetrics
	err error
}

func (f *fakeMetricsQuerier) GetSessionMetrics(_ context.Context, _ string) (*metrics.SessionMetrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.m, nil
}

func TestSessionMetricsUnconfigured(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))

	resp := f.get(t, "/sessions/"+id+"/metrics")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionMetricsEndpoint(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	querier := &fakeMetricsQuerier{m: &metrics.SessionMetrics{SessionID: "x", PromptTokens: 1545}}
	server := New(Config{
		ListenAddr: ":0",
		Store:      st,
		Bus:        eventbus.NewBus(nil),
		Queue:      &fakeQueue{},
		Health:     &fakeHealth{},
		Metrics:    querier,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	id := store.NewSessionID()
	require.NoError(t, st.CreateSession(id, "auto-analyze", "{}"))

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m metrics.SessionMetrics
	decodeBody(t, resp, &m)
	assert.Equal(t, int64(1545), m.PromptTokens)

	resp, err = http.Get(ts.URL + "/sessions/" + store.NewSessionID() + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	querier.err = fmt.Errorf("prometheus query failed")
	resp, err = http.Get(ts.URL + "/sessions/" + id + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "go_goroutines")
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp := f.get(t, "/logs?component=gateway")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	_, ok := body["logs"]
	assert.True(t, ok)
}

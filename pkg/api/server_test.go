package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/rtverify/internal/config"
	"github.com/khryptorgraphics/rtverify/pkg/types"
)

type passVerifier struct{}

func (passVerifier) Verify(ctx context.Context, modelXML string, props []types.Property, timeout time.Duration) (types.VerifierOutcome, error) {
	outcome := types.VerifierOutcome{AllPassed: true, Verdicts: make(map[string]types.Verdict)}
	for _, p := range props {
		outcome.Verdicts[p.Formula] = types.VerdictSatisfied
	}
	return outcome, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false
	cfg.API.RateLimit.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(cfg, passVerifier{}, nil, nil, logger)
	require.NoError(t, err)
	go server.websocket.Run()
	t.Cleanup(server.websocket.Stop)
	return server
}

func TestHealthEndpoint(t *testing.T) {
	router := testServer(t).setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSynchronousVerifyEndpoint(t *testing.T) {
	router := testServer(t).setupRouter()

	body := `{"tasks": [{"name": "Sensor", "period_ms": 100, "execution_ms": 10}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", strings.NewReader(body))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"converged"`)
	assert.Contains(t, w.Body.String(), `"iterations":1`)
}

func TestVerifyRejectsEmptyBody(t *testing.T) {
	router := testServer(t).setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAsyncRunLifecycle(t *testing.T) {
	server := testServer(t)
	router := server.setupRouter()

	body := `{"tasks": [{"name": "Sensor", "period_ms": 100, "execution_ms": 10}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/", strings.NewReader(body))
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	runs := server.runs.List()
	require.Len(t, runs, 1)
	id := runs[0].ID

	// The run finishes quickly with the stub verifier.
	require.Eventually(t, func() bool {
		run, ok := server.runs.Get(id)
		return ok && run.State == RunFinished
	}, 5*time.Second, 10*time.Millisecond)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id.String(), nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"finished"`)
	assert.Contains(t, w.Body.String(), `"status":"converged"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id.String()+"/model", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<nta>")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id.String()+"/report", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# System Design Document")
}

func TestUnknownRunReturns404(t *testing.T) {
	router := testServer(t).setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/00000000-0000-0000-0000-000000000000", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthGuardsProtectedRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.SecretKey = "test-key"
	cfg.API.RateLimit.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(cfg, passVerifier{}, nil, nil, logger)
	require.NoError(t, err)
	router := server.setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", strings.NewReader("{}"))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

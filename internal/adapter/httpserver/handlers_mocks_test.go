package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/config"
)

// --- Mock implementations ---

type mockReadingLister struct {
	mu         sync.Mutex
	lastQuery  domain.ReadingQuery
	listFn     func(ctx context.Context, q domain.ReadingQuery) ([]domain.EnrichedReading, error)
	queryCount int
}

func (m *mockReadingLister) ListRecent(ctx context.Context, q domain.ReadingQuery) ([]domain.EnrichedReading, error) {
	m.mu.Lock()
	m.lastQuery = q
	m.queryCount++
	m.mu.Unlock()
	if m.listFn != nil {
		return m.listFn(ctx, q)
	}
	return nil, nil
}

type mockQuarantine struct {
	listFn func(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

func (m *mockQuarantine) ListQuarantined(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit)
	}
	return nil, nil
}

type mockClassifierProbe struct {
	healthy bool
}

func (m *mockClassifierProbe) Healthy(context.Context) bool { return m.healthy }

// --- Test helpers ---

func testServerConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		AppEnv:           "development",
		DeadLetterPolicy: config.DeadLetterQuarantine,
		APIRateLimit:     1000,
		APIRateBurst:     1000,
	}
}

func newTestServer(t *testing.T, deps Deps, opts ...func(*config.Config)) *Server {
	t.Helper()

	cfg := testServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if deps.Readings == nil {
		deps.Readings = &mockReadingLister{}
	}
	srv := NewServer(cfg, deps)
	require.NotNil(t, srv)
	return srv
}

// serve routes a request through the full middleware stack.
func serve(srv *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/config"
)

type readingLister interface {
	ListRecent(ctx context.Context, q domain.ReadingQuery) ([]domain.EnrichedReading, error)
}

type classifierProbe interface {
	Healthy(ctx context.Context) bool
}

// Deps are the collaborators the HTTP surface reads from. Quarantine is nil
// when malformed messages are dropped instead of kept.
type Deps struct {
	Readings         readingLister
	Quarantine       domain.DeadLetterLister
	Classifier       classifierProbe
	WebsocketHandler http.Handler
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	HealthChecks     []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	readings   readingLister
	quarantine domain.DeadLetterLister
	classifier classifierProbe

	websocketHandler http.Handler
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		readings:         deps.Readings,
		quarantine:       deps.Quarantine,
		classifier:       deps.Classifier,
		websocketHandler: deps.WebsocketHandler,
		metricsHandler:   deps.MetricsHandler,
		httpMetrics:      deps.HTTPMetrics,
		healthChecks:     deps.HealthChecks,
		startTime:        time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

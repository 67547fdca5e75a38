// Package classifier calls the external anomaly scoring service.
//
// Every call resolves to a classification: transient failures are retried
// with exponential backoff inside an overall deadline, permanent failures and
// an open circuit resolve to the fallback immediately.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
	"github.com/wssAchilles/urbanpulse/internal/platform/retry"
	"github.com/wssAchilles/urbanpulse/internal/platform/version"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	predictPath = "/predict"
	healthPath  = "/health"

	defaultTimeout       = 10 * time.Second
	defaultHealthTimeout = 5 * time.Second
	maxResponseBytes     = 1 << 20
)

// Fallback reasons, used as the "result" metric label.
const (
	resultSuccess     = "success"
	resultExhausted   = "fallback_exhausted"
	resultPermanent   = "fallback_permanent"
	resultDeadline    = "fallback_deadline"
	resultCircuitOpen = "fallback_circuit_open"
)

type Config struct {
	BaseURL          string
	Timeout          time.Duration // overall budget per Classify call, retries included
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RateLimitBackoff time.Duration
	BreakerThreshold uint
	BreakerDelay     time.Duration
	RateLimit        float64 // requests per second, 0 disables
	HealthTimeout    time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker circuitbreaker.CircuitBreaker[any]
	limiter *rate.Limiter
	health  singleflight.Group
	metrics *metrics.ClassifierMetrics
}

var _ domain.Classifier = (*Client)(nil)

// New builds a client. httpClient may be nil, in which case a client without
// its own timeout is used; deadlines come from the per-call context.
func New(cfg Config, httpClient *http.Client, m *metrics.ClassifierMetrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 2 * cfg.InitialBackoff
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		metrics: m,
	}

	c.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.BreakerThreshold).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "classifier",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.CircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return c
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Classify scores one reading. It never fails; every error path resolves to
// domain.FallbackClassification and is logged.
func (c *Client) Classify(ctx context.Context, reading domain.SensorReading) domain.Classification {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:      c.cfg.MaxAttempts,
		InitialBackoff:   c.cfg.InitialBackoff,
		MaxBackoff:       c.cfg.MaxBackoff,
		RateLimitBackoff: c.cfg.RateLimitBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.WarnContext(ctx, "Classifier call failed, retrying",
				"device_id", reading.DeviceID,
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}

	result, err := retry.Do(ctx, policy, classifyError, func(ctx context.Context) (domain.Classification, error) {
		return c.predict(ctx, reading.PM25)
	})
	if err == nil {
		c.metrics.Results.WithLabelValues(resultSuccess).Inc()
		return result
	}

	reason := fallbackReason(err)
	c.metrics.Results.WithLabelValues(reason).Inc()
	slog.WarnContext(ctx, "Classifier unavailable, using fallback classification",
		"device_id", reading.DeviceID,
		"pm25", reading.PM25,
		"reason", reason,
		"error", err,
	)
	return domain.FallbackClassification(reading.PM25)
}

// ClassifyAsync returns immediately. The classification is delivered on the
// returned channel, which receives exactly one value.
func (c *Client) ClassifyAsync(ctx context.Context, reading domain.SensorReading) <-chan domain.Classification {
	out := make(chan domain.Classification, 1)
	go func() {
		defer close(out)
		out <- c.Classify(ctx, reading)
	}()
	return out
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return resultCircuitOpen
	case errors.Is(err, retry.ErrBudgetExhausted), errors.Is(err, context.DeadlineExceeded):
		return resultDeadline
	}

	var permErr *retry.PermanentError
	if errors.As(err, &permErr) {
		return resultPermanent
	}
	return resultExhausted
}

type predictRequest struct {
	PM25 float64 `json:"pm25"`
}

type predictResponse struct {
	IsAnomaly    *bool    `json:"isAnomaly"`
	AnomalyScore *float64 `json:"anomalyScore"`
	Confidence   *float64 `json:"confidence"`
	PM25Value    *float64 `json:"pm25Value"`
}

// statusError is a non-2xx answer from the scoring service.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("scoring service returned %d: %s", e.Code, e.Body)
}

// malformedResponseError is a 2xx answer that could not be understood.
type malformedResponseError struct {
	Err error
}

func (e *malformedResponseError) Error() string {
	return fmt.Sprintf("malformed scoring response: %v", e.Err)
}
func (e *malformedResponseError) Unwrap() error { return e.Err }

func classifyError(err error) retry.Action {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Stop
	}

	var malformed *malformedResponseError
	if errors.As(err, &malformed) {
		return retry.Stop
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return retry.After
		case se.Code >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}

	// network errors and per-attempt timeouts
	return retry.Retry
}

// transient reports whether err says something about the scoring service's
// availability, as opposed to the request or response content.
func transient(err error) bool {
	return classifyError(err) != retry.Stop
}

func (c *Client) predict(ctx context.Context, pm25 float64) (domain.Classification, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Classification{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if !c.breaker.TryAcquirePermit() {
		return domain.Classification{}, circuitbreaker.ErrOpen
	}

	result, err := c.doPredict(ctx, pm25)
	if err != nil && transient(err) {
		c.breaker.RecordError(err)
	} else {
		c.breaker.RecordSuccess()
	}
	return result, err
}

func (c *Client) doPredict(ctx context.Context, pm25 float64) (domain.Classification, error) {
	body, err := json.Marshal(predictRequest{PM25: pm25})
	if err != nil {
		return domain.Classification{}, &malformedResponseError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+predictPath, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, &malformedResponseError{Err: err}
	}
	c.setHeaders(ctx, req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.Attempts.WithLabelValues("error").Inc()
		return domain.Classification{}, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.Attempts.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("failed to read scoring response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Classification{}, &statusError{Code: resp.StatusCode, Body: truncate(string(raw), 200)}
	}

	return decodePrediction(raw, pm25)
}

func decodePrediction(raw []byte, pm25 float64) (domain.Classification, error) {
	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return domain.Classification{}, &malformedResponseError{Err: err}
	}
	if pr.IsAnomaly == nil || pr.AnomalyScore == nil || pr.Confidence == nil {
		return domain.Classification{}, &malformedResponseError{Err: errors.New("missing isAnomaly, anomalyScore or confidence")}
	}

	value := pm25
	if pr.PM25Value != nil {
		value = *pr.PM25Value
	}

	return domain.Classification{
		IsAnomaly:    *pr.IsAnomaly,
		AnomalyScore: *pr.AnomalyScore,
		Confidence:   *pr.Confidence,
		PM25Value:    value,
		Source:       domain.SourceModel,
	}, nil
}

// Healthy probes GET /health. Concurrent callers share one in-flight probe.
func (c *Client) Healthy(ctx context.Context) bool {
	v, _, _ := c.health.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HealthTimeout)
		defer cancel()
		return c.probe(probeCtx), nil
	})
	healthy, _ := v.(bool)
	return healthy
}

func (c *Client) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+healthPath, nil)
	if err != nil {
		return false
	}
	c.setHeaders(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "Classifier health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if id, ok := correlation.ID(ctx); ok {
		req.Header.Set(correlation.Header, id)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	default:
		return "other"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

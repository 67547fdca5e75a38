package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wssAchilles/urbanpulse/internal/adapter/classifier"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/broadcast"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

// --- Mock Classifier ---

type mockClassifier struct {
	classifyFn func(ctx context.Context, r domain.SensorReading) domain.Classification
	events     *eventLog
}

func (m *mockClassifier) Classify(ctx context.Context, r domain.SensorReading) domain.Classification {
	if m.events != nil {
		m.events.add("classify")
	}
	if m.classifyFn != nil {
		return m.classifyFn(ctx, r)
	}
	return domain.FallbackClassification(r.PM25)
}

func (m *mockClassifier) ClassifyAsync(ctx context.Context, r domain.SensorReading) <-chan domain.Classification {
	ch := make(chan domain.Classification, 1)
	go func() {
		defer close(ch)
		ch <- m.Classify(ctx, r)
	}()
	return ch
}

func (m *mockClassifier) Healthy(context.Context) bool { return true }

// --- In-memory ReadingRepository ---

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	saved  []domain.EnrichedReading
	saveFn func(ctx context.Context, r domain.EnrichedReading) error
	events *eventLog
}

func (m *memRepo) Save(ctx context.Context, r domain.EnrichedReading) (domain.EnrichedReading, error) {
	if m.events != nil {
		m.events.add("save")
	}
	if m.saveFn != nil {
		if err := m.saveFn(ctx, r); err != nil {
			return domain.EnrichedReading{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.saved = append(m.saved, r)
	return r, nil
}

func (m *memRepo) ListRecent(context.Context, domain.ReadingQuery) ([]domain.EnrichedReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EnrichedReading(nil), m.saved...), nil
}

func (m *memRepo) all() []domain.EnrichedReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EnrichedReading(nil), m.saved...)
}

// --- Mock Broadcaster ---

type mockBroadcaster struct {
	mu       sync.Mutex
	enqueued []domain.EnrichedReading
	reject   bool
	events   *eventLog
}

func (m *mockBroadcaster) Enqueue(_ context.Context, r domain.EnrichedReading) bool {
	if m.events != nil {
		m.events.add("broadcast")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.enqueued = append(m.enqueued, r)
	return true
}

func (m *mockBroadcaster) all() []domain.EnrichedReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EnrichedReading(nil), m.enqueued...)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// --- Helpers ---

var baseTime = time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC)

func sensorReading(device string, pm25 float64) domain.SensorReading {
	return domain.SensorReading{
		DeviceID:  device,
		Latitude:  35.6895,
		Longitude: 139.6917,
		PM25:      pm25,
		Timestamp: baseTime,
	}
}

func newTestPipeline(c domain.Classifier, repo domain.ReadingRepository, b Broadcaster, clock clockwork.Clock) (*Pipeline, *metrics.PipelineMetrics) {
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	return NewPipeline(c, repo, b, clock, m), m
}

func scoringServer(t *testing.T, handler http.HandlerFunc) *classifier.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return classifier.New(classifier.Config{
		BaseURL:          srv.URL,
		Timeout:          300 * time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       40 * time.Millisecond,
		BreakerThreshold: 100,
		BreakerDelay:     time.Minute,
	}, nil, metrics.NewClassifierMetrics(prometheus.NewRegistry()))
}

// --- Scenarios ---

func TestProcess_ModelClassificationIsPersisted(t *testing.T) {
	client := scoringServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isAnomaly":true,"anomalyScore":0.92,"confidence":0.88,"pm25Value":80.0}`))
	})
	repo := &memRepo{}
	b := &mockBroadcaster{}
	p, m := newTestPipeline(client, repo, b, clockwork.NewFakeClockAt(baseTime.Add(time.Second)))

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 80.0))
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, domain.SourceModel, res.Source)
	require.Len(t, repo.all(), 1)
	saved := repo.all()[0]
	assert.True(t, saved.IsAnomaly)
	assert.InDelta(t, 0.92, saved.AnomalyScore, 1e-9)
	assert.InDelta(t, 0.88, saved.Confidence, 1e-9)
	assert.InDelta(t, 80.0, saved.PM25, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("model")))
}

func TestProcess_TimeoutOnEveryRetryPersistsFallback(t *testing.T) {
	client := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	repo := &memRepo{}
	b := &mockBroadcaster{}
	p, m := newTestPipeline(client, repo, b, clockwork.NewRealClock())

	start := time.Now()
	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 42.5))
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, domain.SourceFallback, res.Source)
	require.Len(t, repo.all(), 1)
	saved := repo.all()[0]
	assert.False(t, saved.IsAnomaly)
	assert.Zero(t, saved.AnomalyScore)
	assert.Zero(t, saved.Confidence)
	assert.Equal(t, 42.5, saved.PM25)
	assert.Less(t, elapsed, time.Second, "latency is bounded by the classifier deadline")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("fallback")))
	assert.Len(t, b.all(), 1)
}

func TestProcess_PersistFailureSuppressesBroadcast(t *testing.T) {
	storageErr := errors.New("connection reset by peer")
	repo := &memRepo{saveFn: func(_ context.Context, r domain.EnrichedReading) error {
		if r.DeviceID == "sensor-broken" {
			return storageErr
		}
		return nil
	}}
	b := &mockBroadcaster{}
	p, m := newTestPipeline(&mockClassifier{}, repo, b, clockwork.NewRealClock())

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := fmt.Sprintf("sensor-%02d", i)
			if i == 3 {
				device = "sensor-broken"
			}
			_, results[i] = p.Process(context.Background(), sensorReading(device, float64(i)))
		}()
	}
	wg.Wait()

	for i, err := range results {
		if i == 3 {
			assert.ErrorIs(t, err, storageErr)
			continue
		}
		assert.NoError(t, err)
	}

	assert.Len(t, repo.all(), 9)
	enqueued := b.all()
	assert.Len(t, enqueued, 9)
	for _, r := range enqueued {
		assert.NotEqual(t, "sensor-broken", r.DeviceID)
		assert.True(t, r.Persisted())
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("dropped")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("complete")))
}

func TestProcess_PersistFailureReturnsDropped(t *testing.T) {
	repo := &memRepo{saveFn: func(context.Context, domain.EnrichedReading) error {
		return errors.New("disk full")
	}}
	b := &mockBroadcaster{}
	p, _ := newTestPipeline(&mockClassifier{}, repo, b, clockwork.NewRealClock())

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 10))
	require.Error(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.False(t, res.Reading.Persisted())
	assert.False(t, res.Broadcasted)
	assert.Empty(t, b.all())
}

func TestProcess_ConcurrentReadingsStayIsolated(t *testing.T) {
	classify := func(_ context.Context, r domain.SensorReading) domain.Classification {
		// Unique, input-derived output so any mix-up is visible.
		return domain.Classification{
			IsAnomaly:    r.PM25 >= 50,
			AnomalyScore: r.PM25 / 100,
			Confidence:   1 - r.PM25/1000,
			PM25Value:    r.PM25,
			Source:       domain.SourceModel,
		}
	}
	repo := &memRepo{}
	b := &mockBroadcaster{}
	p, _ := newTestPipeline(&mockClassifier{classifyFn: classify}, repo, b, clockwork.NewRealClock())

	const n = 100
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), sensorReading(fmt.Sprintf("device-%03d", i), float64(i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	saved := repo.all()
	require.Len(t, saved, n)
	ids := make(map[int64]bool, n)
	devices := make(map[string]bool, n)
	for _, r := range saved {
		assert.False(t, ids[r.ID], "duplicate id %d", r.ID)
		ids[r.ID] = true
		devices[r.DeviceID] = true

		var i int
		_, err := fmt.Sscanf(r.DeviceID, "device-%03d", &i)
		require.NoError(t, err)
		assert.Equal(t, float64(i), r.PM25, r.DeviceID)
		assert.InDelta(t, float64(i)/100, r.AnomalyScore, 1e-9, r.DeviceID)
		assert.InDelta(t, 1-float64(i)/1000, r.Confidence, 1e-9, r.DeviceID)
		assert.Equal(t, i >= 50, r.IsAnomaly, r.DeviceID)
	}
	assert.Len(t, devices, n)
	assert.Len(t, b.all(), n)
}

func TestProcess_BroadcastUnreachableStillCompletes(t *testing.T) {
	repo := &memRepo{}
	b := &mockBroadcaster{reject: true}
	p, m := newTestPipeline(&mockClassifier{}, repo, b, clockwork.NewRealClock())

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 20))
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.False(t, res.Broadcasted)
	assert.Equal(t, int64(1), res.Reading.ID)
	assert.Len(t, repo.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("complete")))
}

type unreachablePublisher struct {
	mu    sync.Mutex
	calls int
}

func (u *unreachablePublisher) Publish(context.Context, domain.EnrichedReading) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func (u *unreachablePublisher) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func TestProcess_BroadcastPublishFailureWithDispatcher(t *testing.T) {
	pub := &unreachablePublisher{}
	bm := metrics.NewBroadcastMetrics(prometheus.NewRegistry())
	d := broadcast.NewDispatcher(pub, broadcast.Config{QueueSize: 4, Overflow: broadcast.DropNewest}, clockwork.NewRealClock(), bm)
	t.Cleanup(d.Stop)

	repo := &memRepo{}
	p, _ := newTestPipeline(&mockClassifier{}, repo, d, clockwork.NewRealClock())

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 20))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, res.Reading.Persisted())

	require.Eventually(t, func() bool { return pub.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(bm.Dropped.WithLabelValues("publish_error")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, repo.all(), 1)
}

// --- Properties ---

func TestProcess_ClassifiesBeforePersistingAndBroadcasting(t *testing.T) {
	events := &eventLog{}
	p, _ := newTestPipeline(&mockClassifier{events: events}, &memRepo{events: events}, &mockBroadcaster{events: events}, clockwork.NewRealClock())

	_, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "save", "broadcast"}, events.all())
}

func TestProcess_AnomalyFieldsAlwaysPresent(t *testing.T) {
	repo := &memRepo{}
	p, _ := newTestPipeline(&mockClassifier{}, repo, &mockBroadcaster{}, clockwork.NewRealClock())

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 33.3))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.False(t, res.Reading.IsAnomaly)
	assert.Equal(t, 0.0, res.Reading.AnomalyScore)
	assert.Equal(t, 0.0, res.Reading.Confidence)
}

func TestProcess_ProcessedAtNeverBeforeTimestamp(t *testing.T) {
	repo := &memRepo{}
	clock := clockwork.NewFakeClockAt(baseTime.Add(-time.Minute)) // device clock runs ahead
	p, _ := newTestPipeline(&mockClassifier{}, repo, &mockBroadcaster{}, clock)

	res, err := p.Process(context.Background(), sensorReading("sensor-tokyo-01", 12))
	require.NoError(t, err)
	assert.False(t, res.Reading.ProcessedAt.Before(res.Reading.Timestamp))

	clock.Advance(2 * time.Minute)
	res, err = p.Process(context.Background(), sensorReading("sensor-tokyo-01", 12))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Minute), res.Reading.ProcessedAt)
}

func TestHandle_SwallowsErrors(t *testing.T) {
	repo := &memRepo{saveFn: func(context.Context, domain.EnrichedReading) error {
		return errors.New("boom")
	}}
	b := &mockBroadcaster{}
	p, m := newTestPipeline(&mockClassifier{}, repo, b, clockwork.NewRealClock())

	p.Handle(context.Background(), sensorReading("sensor-tokyo-01", 1))
	assert.Empty(t, b.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("dropped")))
}

func TestProcess_CancelledWaitForClassifierUsesFallback(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hanging := &mockClassifier{classifyFn: func(context.Context, domain.SensorReading) domain.Classification {
		<-release
		return domain.Classification{IsAnomaly: true, AnomalyScore: 0.99, Confidence: 0.99, Source: domain.SourceModel}
	}}
	repo := &memRepo{}
	b := &mockBroadcaster{}
	p, m := newTestPipeline(hanging, repo, b, clockwork.NewRealClock())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := p.Process(ctx, sensorReading("sensor-tokyo-07", 41))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second, "Process does not wait for a classifier past ctx")
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.False(t, res.Reading.IsAnomaly)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	require.Len(t, repo.all(), 1)
	assert.Len(t, b.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues(string(domain.SourceFallback))))
}

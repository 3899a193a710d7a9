package publish

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Job is a publish coordinator submission. Open is called fresh on every
// attempt so a retry re-streams the assembled file from the beginning
// rather than replaying a partially-consumed reader.
type Job struct {
	UploadID  string
	Epochs    int64
	SizeBytes int64
	Open      func() (io.ReadCloser, error)
}

// Coordinator is the shared, process-wide publish queue described in
// spec.md §4.5: bounded concurrency, token-bucket admission, bounded
// retries with linear backoff, and per-attempt/outcome metrics.
// Grounded on the teacher's service/upload_service/task_processor.go
// ticker-driven bounded-batch polling loop, generalized here from polling
// into a live job queue guarded by a semaphore.
type Coordinator struct {
	client     *Client
	sem        chan struct{}
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration

	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// CoordinatorConfig configures the three admission knobs spec.md §4.5
// names, plus retry policy.
type CoordinatorConfig struct {
	Concurrency int
	IntervalCap int
	Interval    time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
}

// NewCoordinator builds a Coordinator in front of client.
func NewCoordinator(client *Client, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	limit := rate.Every(cfg.Interval / time.Duration(max(cfg.IntervalCap, 1)))

	return &Coordinator{
		client:     client,
		sem:        make(chan struct{}, cfg.Concurrency),
		limiter:    rate.NewLimiter(limit, cfg.IntervalCap),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floe_publish_attempts_total",
			Help: "Publish attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floe_publish_attempt_duration_seconds",
			Help:    "Duration of individual publish attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// Collectors exposes the coordinator's Prometheus collectors for
// registration on the /metrics endpoint.
func (co *Coordinator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{co.attempts, co.duration}
}

// AttemptRecord is the metric record spec.md §4.5 requires per attempt and
// on the final outcome.
type AttemptRecord struct {
	UploadID   string
	SizeBytes  int64
	Epochs     int64
	Attempt    int
	DurationMs int64
	Outcome    string
	HTTPStatus int
}

// Submit runs job through the bounded-concurrency, rate-limited retry loop.
// It blocks the caller until the job succeeds or exhausts its retries.
func (co *Coordinator) Submit(ctx context.Context, job Job) (*Result, error) {
	select {
	case co.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-co.sem }()

	if err := co.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("publish: rate limiter wait: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= co.maxRetries; attempt++ {
		start := time.Now()
		body, openErr := job.Open()
		if openErr != nil {
			return nil, fmt.Errorf("publish: open body: %w", openErr)
		}

		result, err := co.client.Publish(ctx, Request{
			UploadID:  job.UploadID,
			Epochs:    job.Epochs,
			SizeBytes: job.SizeBytes,
			Body:      body,
		})
		body.Close()

		httpStatus := 0
		if pubErr, ok := err.(*PublishError); ok {
			httpStatus = pubErr.Status
		}
		outcome := ClassifyError(err, httpStatus)
		co.attempts.WithLabelValues(outcome).Inc()
		co.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryableOutcome(outcome) {
			return nil, err
		}
		if attempt == co.maxRetries {
			break
		}
		select {
		case <-time.After(co.baseDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("publish: exhausted %d attempts: %w", co.maxRetries, lastErr)
}

func isRetryableOutcome(outcome string) bool {
	switch outcome {
	case "auth_failed", "client_error", "invalid_response":
		return false
	default:
		return true
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

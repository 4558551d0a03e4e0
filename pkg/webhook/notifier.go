// Package webhook delivers job.run.* completion events to an external
// notification sink. Delivery is at-least-once: the run_id is the
// consumer's idempotency key, and a delivery failure is recorded on the
// run (webhook_sent=false) without failing the job.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Event is the payload posted to the sink.
type Event struct {
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Implementations must tolerate duplicate run_ids.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// HTTPSink posts events as JSON to a fixed endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook sink returned %s", resp.Status)
	}
	return nil
}

// Notifier builds events from finalized runs and delivers them with
// bounded exponential backoff and an outbound rate limit.
type Notifier struct {
	store       *schedstore.Store
	sink        Sink
	limiter     *rate.Limiter
	maxAttempts uint64
	log         *zap.Logger
}

func NewNotifier(store *schedstore.Store, sink Sink, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		store: store,
		sink:  sink,
		// 5 events/sec sustained with a small burst keeps a flapping sink
		// from amplifying into a request storm.
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
		maxAttempts: 3,
		log:         log,
	}
}

// NotifyRun delivers the completion event for a finalized run. Delivery
// problems are recorded and logged, never propagated: the job's outcome
// stands regardless.
func (n *Notifier) NotifyRun(ctx context.Context, job *schedstore.Job, run *schedstore.JobRun) {
	if n.sink == nil {
		return
	}

	event := Event{
		Event:     eventName(run.Status),
		JobID:     job.JobID,
		RunID:     run.RunID,
		Status:    string(run.Status),
		Error:     run.Error,
		Artifacts: run.Artifacts,
		Timestamp: time.Now().UTC(),
	}

	deliver := func() error {
		if err := n.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return n.sink.Deliver(ctx, event)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(), n.maxAttempts-1), ctx)

	if err := backoff.Retry(deliver, policy); err != nil {
		n.log.Warn("webhook delivery failed",
			zap.String("run_id", run.RunID),
			zap.String("event", event.Event),
			zap.Error(err))
		if err := n.store.SetWebhookSent(ctx, run.RunID, false); err != nil {
			n.log.Warn("record webhook failure failed", zap.Error(err))
		}
		return
	}

	if err := n.store.SetWebhookSent(ctx, run.RunID, true); err != nil {
		n.log.Warn("record webhook delivery failed", zap.Error(err))
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

func eventName(status schedstore.RunStatus) string {
	switch status {
	case schedstore.RunStatusCompleted:
		return "job.run.completed"
	case schedstore.RunStatusFailed:
		return "job.run.failed"
	case schedstore.RunStatusSkipped:
		return "job.run.skipped"
	default:
		return "job.run." + string(status)
	}
}

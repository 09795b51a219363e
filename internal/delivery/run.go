package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harborwatch/alertgate/internal/gate"
	"github.com/harborwatch/alertgate/internal/model"
)

// EventSource yields the alert events an evaluation run processes.
type EventSource interface {
	ListForDay(ctx context.Context, day time.Time) ([]model.AlertEvent, error)
}

// SubscriptionSource yields the endpoints a run delivers to.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]model.Subscription, error)
}

// Broadcaster pushes events to live connections, best-effort.
type Broadcaster interface {
	BroadcastEvent(event *model.AlertEvent)
}

// Summary is the run result returned to the caller, counts by outcome.
type Summary struct {
	Day              string `json:"day"`
	Events           int    `json:"events"`
	Subscriptions    int    `json:"subscriptions"`
	Sent             int    `json:"sent"`
	Failed           int    `json:"failed"`
	SkippedDedupe    int    `json:"skipped_dedupe"`
	SkippedRateLimit int    `json:"skipped_rate_limit"`
	DroppedByScript  int    `json:"dropped_by_script"`
	Aborted          bool   `json:"aborted,omitempty"`
}

// Runner drives one evaluation run: gate decisions happen sequentially
// so bucket accounting stays deterministic, while admitted sends fan out
// to a bounded worker pool.
type Runner struct {
	engine      *Engine
	gate        *gate.Gate
	events      EventSource
	subs        SubscriptionSource
	broker      Broadcaster
	rateLimit   int
	concurrency int
}

func NewRunner(engine *Engine, g *gate.Gate, events EventSource, subs SubscriptionSource, broker Broadcaster, rateLimit, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		engine:      engine,
		gate:        g,
		events:      events,
		subs:        subs,
		broker:      broker,
		rateLimit:   rateLimit,
		concurrency: concurrency,
	}
}

type job struct {
	event *model.AlertEvent
	sub   *model.Subscription
}

// Run processes every event of the given day against every active
// subscription. Cancelling ctx stops new admissions; in-flight sends
// finish, and the partial run is safe to repeat thanks to dedup.
func (r *Runner) Run(ctx context.Context, day time.Time) (*Summary, error) {
	events, err := r.events.ListForDay(ctx, day)
	if err != nil {
		return nil, err
	}
	subs, err := r.subs.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Day:           day.UTC().Format("2006-01-02"),
		Events:        len(events),
		Subscriptions: len(subs),
	}
	buckets := gate.NewRateBuckets(r.rateLimit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan job)

	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				attempt, dropped, err := r.engine.Deliver(context.WithoutCancel(ctx), j.event, j.sub)
				mu.Lock()
				switch {
				case err != nil:
					slog.Error("delivery error", "error", err,
						"alert_event_id", j.event.ID, "endpoint_id", j.sub.ID)
					summary.Failed++
				case dropped:
					summary.DroppedByScript++
				case attempt.Status == model.AttemptSent:
					summary.Sent++
				default:
					summary.Failed++
				}
				mu.Unlock()
			}
		}()
	}

admission:
	for i := range events {
		event := &events[i]
		if ctx.Err() != nil {
			summary.Aborted = true
			break admission
		}

		if r.broker != nil {
			r.broker.BroadcastEvent(event)
		}

		for j := range subs {
			sub := &subs[j]
			if ctx.Err() != nil {
				summary.Aborted = true
				break admission
			}

			decision, err := r.gate.Check(ctx, event, sub.ID, buckets)
			if err != nil {
				slog.Error("gate check failed", "error", err,
					"alert_event_id", event.ID, "endpoint_id", sub.ID)
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				continue
			}

			switch decision {
			case gate.SkipDedupe:
				r.recordSkip(ctx, event, sub, model.AttemptSkippedDedupe)
				mu.Lock()
				summary.SkippedDedupe++
				mu.Unlock()
			case gate.SkipRateLimit:
				r.recordSkip(ctx, event, sub, model.AttemptSkippedRateLimit)
				mu.Lock()
				summary.SkippedRateLimit++
				mu.Unlock()
			case gate.Admit:
				jobs <- job{event: event, sub: sub}
			}
		}
	}

	close(jobs)
	wg.Wait()

	slog.Info("evaluation run finished",
		"day", summary.Day,
		"events", summary.Events,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped_dedupe", summary.SkippedDedupe,
		"skipped_rate_limit", summary.SkippedRateLimit,
		"aborted", summary.Aborted)
	return summary, nil
}

// recordSkip persists the suppression for audit; skips are intentional,
// not errors.
func (r *Runner) recordSkip(ctx context.Context, event *model.AlertEvent, sub *model.Subscription, status model.AttemptStatus) {
	if _, err := r.engine.attempts.Create(context.WithoutCancel(ctx), event.ID, sub.ID, status); err != nil {
		slog.Error("failed to record skipped attempt", "error", err,
			"alert_event_id", event.ID, "endpoint_id", sub.ID)
	}
}

// Dispatch pushes a single event through broadcast and gated delivery
// outside a batch run, using a one-shot rate bucket. The stream intake
// path uses this for evaluator-pushed events.
func (r *Runner) Dispatch(ctx context.Context, event *model.AlertEvent) error {
	subs, err := r.subs.ListActive(ctx)
	if err != nil {
		return err
	}
	if r.broker != nil {
		r.broker.BroadcastEvent(event)
	}

	buckets := gate.NewRateBuckets(r.rateLimit)
	for j := range subs {
		sub := &subs[j]
		decision, err := r.gate.Check(ctx, event, sub.ID, buckets)
		if err != nil {
			slog.Error("gate check failed", "error", err,
				"alert_event_id", event.ID, "endpoint_id", sub.ID)
			continue
		}
		switch decision {
		case gate.SkipDedupe:
			r.recordSkip(ctx, event, sub, model.AttemptSkippedDedupe)
		case gate.SkipRateLimit:
			r.recordSkip(ctx, event, sub, model.AttemptSkippedRateLimit)
		case gate.Admit:
			if _, _, err := r.engine.Deliver(ctx, event, sub); err != nil {
				slog.Error("delivery error", "error", err,
					"alert_event_id", event.ID, "endpoint_id", sub.ID)
			}
		}
	}
	return nil
}

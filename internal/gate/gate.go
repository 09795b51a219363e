// Package gate decides whether an alert event is admitted for delivery
// to an endpoint. Dedup is checked before the rate bucket so a
// suppressed duplicate never consumes rate budget meant for distinct
// alerts, and the dedup marker is only written once the event is
// actually admitted.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborwatch/alertgate/internal/model"
)

// Decision is the outcome of the admission check for one
// (event, endpoint) pair.
type Decision int

const (
	Admit Decision = iota
	SkipDedupe
	SkipRateLimit
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "ADMIT"
	case SkipDedupe:
		return "SKIP_DEDUPE"
	case SkipRateLimit:
		return "SKIP_RATE_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// DedupStore holds suppression markers per (clusterKey, endpoint) pair.
// Markers expire on their own after the TTL passed to Mark.
type DedupStore interface {
	// Seen reports whether a live marker exists for the pair.
	Seen(ctx context.Context, clusterKey string, endpointID uuid.UUID) (bool, error)
	// Mark creates or refreshes the marker with the given TTL.
	Mark(ctx context.Context, clusterKey string, endpointID uuid.UUID, ttl time.Duration) error
}

// RateBuckets tracks per-endpoint admission counts for one evaluation
// run. Buckets are created at run start and torn down with the run,
// never shared across runs.
type RateBuckets struct {
	mu     sync.Mutex
	limit  int
	counts map[uuid.UUID]int
}

func NewRateBuckets(limit int) *RateBuckets {
	return &RateBuckets{
		limit:  limit,
		counts: make(map[uuid.UUID]int),
	}
}

// TryTake consumes one unit of the endpoint's budget if any remains.
func (b *RateBuckets) TryTake(endpointID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts[endpointID] >= b.limit {
		return false
	}
	b.counts[endpointID]++
	return true
}

func (b *RateBuckets) Count(endpointID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[endpointID]
}

// Gate applies the dedup-then-rate admission order.
type Gate struct {
	dedup    DedupStore
	dedupTTL time.Duration
}

func New(dedup DedupStore, dedupTTL time.Duration) *Gate {
	return &Gate{dedup: dedup, dedupTTL: dedupTTL}
}

// Check runs the admission decision for one (event, endpoint) pair
// against the given run's buckets. A rate-limited event leaves no dedup
// marker behind, so it is eligible again on the next run.
func (g *Gate) Check(ctx context.Context, event *model.AlertEvent, endpointID uuid.UUID, buckets *RateBuckets) (Decision, error) {
	seen, err := g.dedup.Seen(ctx, event.ClusterKey, endpointID)
	if err != nil {
		return 0, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		return SkipDedupe, nil
	}
	if !buckets.TryTake(endpointID) {
		return SkipRateLimit, nil
	}
	if err := g.dedup.Mark(ctx, event.ClusterKey, endpointID, g.dedupTTL); err != nil {
		return 0, fmt.Errorf("dedup mark: %w", err)
	}
	return Admit, nil
}

// Package strategy turns detected opportunities into executed dual-leg
// trades: a bounded queue feeds a single consumer that gates, sizes,
// executes, and persists every attempt, escalating partial fills to the
// rebalancer.
package strategy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"polyarb/pkg/types"
)

// Queue is a bounded opportunity buffer between the WS callback (producer)
// and the executor (consumer). When full, the incoming opportunity is
// dropped — the queued ones are older but were detected under the same
// still-live book, and the consumer re-validates at pop time anyway.
type Queue struct {
	ch      chan types.Opportunity
	dropped atomic.Int64
	expired atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	return &Queue{
		ch:     make(chan types.Opportunity, capacity),
		logger: logger.With("component", "opp_queue"),
		now:    time.Now,
	}
}

// Push offers an opportunity without blocking. Drop-newest on overflow.
func (q *Queue) Push(opp types.Opportunity) {
	select {
	case q.ch <- opp:
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("opportunity queue full, dropping",
			"condition_id", opp.Market.ConditionID,
			"spread_cents", opp.SpreadCents,
			"total_dropped", n,
		)
	}
}

// Pop waits up to timeout for a valid opportunity. Expired entries are
// counted and discarded in place, so backlog is self-cleaning. ok is false
// on timeout or context cancellation.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (types.Opportunity, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.Opportunity{}, false
		case <-timer.C:
			return types.Opportunity{}, false
		case opp := <-q.ch:
			if opp.IsValid(q.now()) {
				return opp, true
			}
			n := q.expired.Add(1)
			q.logger.Debug("discarding expired opportunity",
				"condition_id", opp.Market.ConditionID,
				"age", q.now().Sub(opp.DetectedAt),
				"total_expired", n,
			)
		}
	}
}

// Len returns the number of queued opportunities.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns the lifetime overflow-drop count.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Expired returns the lifetime expired-at-pop count.
func (q *Queue) Expired() int64 { return q.expired.Load() }

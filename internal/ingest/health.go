package ingest

import (
	"context"
	"time"

	"degenerus-indexer/internal/store"

	"github.com/sirupsen/logrus"
)

// Health periodically probes the chain tip and triggers a catch-up when the
// cursor falls too far behind. Probe errors are logged and swallowed; health
// must never take the supervisor down.
type Health struct {
	node      Node
	backfill  *Backfill
	st        *store.Store
	interval  time.Duration
	threshold uint64
}

// NewHealth wires the health monitor. interval is in seconds; threshold is
// the lag in blocks that triggers a catch-up.
func NewHealth(node Node, backfill *Backfill, st *store.Store, interval int, threshold uint64) *Health {
	if interval < 1 {
		interval = 1
	}
	return &Health{
		node:      node,
		backfill:  backfill,
		st:        st,
		interval:  time.Duration(interval) * time.Second,
		threshold: threshold,
	}
}

// Run loops until the context is cancelled.
func (h *Health) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

func (h *Health) check(ctx context.Context) {
	latest, err := h.node.LatestBlockNumber(ctx)
	if err != nil {
		logrus.Warnf("Health check error: %v", err)
		return
	}
	cursor, _ := h.st.Cursor()
	if latest > uint64(cursor)+h.threshold {
		if err := h.backfill.Missed(ctx); err != nil {
			logrus.Warnf("Health check catch-up error: %v", err)
		}
	}
}

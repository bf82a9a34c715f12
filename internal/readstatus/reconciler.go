package readstatus

import (
	"context"
	"time"

	"github.com/gestorlite/zapbridge/internal/convo"
	"go.uber.org/zap"
)

// Reconciler periodically overwrites each conversation's fast-path
// unread counter with the cursor-derived authoritative count, bounding
// the drift between the two.
type Reconciler struct {
	tracker  *Tracker
	convos   *convo.Store
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewReconciler creates a reconciler running at the given interval.
func NewReconciler(tracker *Tracker, convos *convo.Store, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		tracker:  tracker,
		convos:   convos,
		logger:   logger,
		interval: interval,
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reconcile()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Reconcile runs one pass, overwriting drifted counters.
func (r *Reconciler) Reconcile() {
	counts, err := r.tracker.ComputeAll("")
	if err != nil {
		r.logger.Error("unread reconciliation failed", zap.Error(err))
		return
	}

	fixed := 0
	for _, snap := range r.convos.List() {
		authoritative, ok := counts[snap.PeerID]
		if !ok || authoritative == snap.UnreadCount {
			continue
		}
		if err := r.convos.OverwriteUnread(snap.PeerID, authoritative); err != nil {
			r.logger.Warn("failed to overwrite unread counter",
				zap.String("peer", snap.PeerID), zap.Error(err))
			continue
		}
		fixed++
	}
	if fixed > 0 {
		r.logger.Info("unread counters reconciled", zap.Int("overwritten", fixed))
	}
}

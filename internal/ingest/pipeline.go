// Package ingest consumes provider events from the bus and feeds them
// into the conversation store. It subscribes to the "wa." namespace and
// never calls the provider directly.
package ingest

import (
	"context"
	"errors"

	"github.com/gestorlite/zapbridge/internal/avatar"
	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/wa"
	"go.uber.org/zap"
)

// Pipeline routes parsed provider events into the conversation store.
type Pipeline struct {
	convos  *convo.Store
	avatars *avatar.Cache
	broker  *bus.Broker
	metrics *metrics.Set
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates an ingestion pipeline. avatars may be nil when avatar
// prefetching is disabled.
func New(convos *convo.Store, avatars *avatar.Cache, b *bus.Broker, m *metrics.Set, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		convos:  convos,
		avatars: avatars,
		broker:  b,
		metrics: m,
		logger:  logger,
	}
}

// Start subscribes to inbound provider events on the bus.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.broker.Subscribe("wa.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the pipeline.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindProviderMessage:
		inc, ok := evt.Payload.(wa.Incoming)
		if !ok {
			return
		}
		p.ingestOne(inc, true)
	case bus.KindProviderHistoryBatch:
		batch, ok := evt.Payload.([]wa.Incoming)
		if !ok {
			return
		}
		for _, inc := range batch {
			p.ingestOne(inc, false)
		}
		p.metrics.HistoryBatches.Inc()
		p.broker.Emit(bus.KindSyncHistoryBatch, len(batch))
		p.logger.Info("history batch ingested", zap.Int("messages", len(batch)))
	case bus.KindProviderReceipt:
		r, ok := evt.Payload.(wa.Receipt)
		if !ok {
			return
		}
		if err := p.convos.ApplyReceipt(r.PeerID, r.MsgIDs, r.Level); err != nil {
			p.logger.Error("failed to apply receipt", zap.String("peer", r.PeerID), zap.Error(err))
			return
		}
		p.metrics.ReceiptsApplied.Inc()
	case bus.KindProviderPicture:
		peer, ok := evt.Payload.(string)
		if !ok || p.avatars == nil {
			return
		}
		p.avatars.Invalidate(peer)
		p.avatars.Warm(peer)
	}
}

// ingestOne appends one message. Duplicates are expected during history
// overlap and reconnect replay; they count but do not log at error.
func (p *Pipeline) ingestOne(inc wa.Incoming, warmAvatar bool) {
	err := p.convos.Append(inc.Message, inc.DisplayName)
	switch {
	case errors.Is(err, convo.ErrDuplicateMessage):
		p.metrics.DuplicatesDropped.Inc()
		p.logger.Debug("duplicate message dropped", zap.String("msg_id", inc.Message.MsgID))
		return
	case err != nil:
		p.metrics.IngestFailures.Inc()
		p.logger.Error("failed to ingest message",
			zap.String("msg_id", inc.Message.MsgID), zap.Error(err))
		return
	}
	p.metrics.MessagesIngested.Inc()

	if warmAvatar && p.avatars != nil && !inc.Message.FromMe {
		p.avatars.Warm(inc.Message.PeerID)
	}
}

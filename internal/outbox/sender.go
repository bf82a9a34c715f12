// Package outbox drains queued outgoing messages and hands them to the
// provider. Queued entries survive restarts; the loop re-reads the
// table on every tick.
package outbox

import (
	"context"
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/store"
	"go.uber.org/zap"
)

// TextSender is the provider-side interface for sending text messages.
type TextSender interface {
	SendText(ctx context.Context, jid string, text string) (serverMsgID string, err error)
}

// Sender drains the outbox and sends messages via the provider adapter.
type Sender struct {
	db      *store.DB
	convos  *convo.Store
	sender  TextSender
	broker  *bus.Broker
	metrics *metrics.Set
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, convos *convo.Store, sender TextSender, b *bus.Broker, m *metrics.Set, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		convos:  convos,
		sender:  sender,
		broker:  b,
		metrics: m,
		logger:  logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains every queued entry once.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic append: the message shows up in the conversation
		// immediately, at the lowest ack level.
		now := time.Now().UnixMilli()
		_ = s.convos.Append(&store.Message{
			MsgID:       entry.ClientMsgID,
			SenderID:    "",
			RecipientID: entry.PeerID,
			Body:        entry.Body,
			FromMe:      true,
			Ack:         store.AckSent,
			Timestamp:   now,
		}, "")

		serverMsgID, err := s.sender.SendText(ctx, entry.PeerID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.metrics.OutboxFailed.Inc()
			s.broker.Emit(bus.KindSendFailed, map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"peer_id":       entry.PeerID,
				"error":         err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		_ = s.convos.ApplyReceipt(entry.PeerID, []string{entry.ClientMsgID}, store.AckServer)
		s.metrics.OutboxSent.Inc()

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
		s.broker.Emit(bus.KindSendAck, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
			"peer_id":       entry.PeerID,
		})
	}
}

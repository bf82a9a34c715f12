package wa

import (
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/status"
	"github.com/gestorlite/zapbridge/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Incoming is the payload published for parsed messages. DisplayName
// travels alongside the message so ingestion can refresh the contact
// name without another lookup.
type Incoming struct {
	Message     *store.Message
	DisplayName string
}

// Receipt is the payload published for delivery and read receipts.
type Receipt struct {
	PeerID string
	MsgIDs []string
	Level  store.Ack
}

// EventHandler processes whatsmeow events, drives the state machine,
// and publishes parsed domain events on the bus. It does NOT touch the
// conversation store directly; the ingestion pipeline subscribes to the
// bus independently.
type EventHandler struct {
	broker  *bus.Broker
	machine *status.Machine
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Broker, machine *status.Machine, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		broker:  b,
		machine: machine,
		logger:  logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.broker.Emit(bus.KindSyncConnected, nil)
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.broker.Emit(bus.KindSyncDisconnected, nil)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Picture:
		h.broker.Emit(bus.KindProviderPicture, evt.JID.ToNonAD().String())
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.broker.Emit(bus.KindSessionLoggedOut, evt.Reason.String())
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	parsed := ParseLiveMessage(evt)
	h.broker.Emit(bus.KindProviderMessage, Incoming{
		Message:     parsed.ToStoreMessage(),
		DisplayName: parsed.SenderName,
	})
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	if len(evt.MessageIDs) == 0 {
		return
	}

	level := store.AckDelivered
	switch evt.Type {
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		level = store.AckRead
	case types.ReceiptTypeDelivered:
		level = store.AckDelivered
	default:
		return
	}

	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	h.broker.Emit(bus.KindProviderReceipt, Receipt{
		PeerID: evt.Chat.ToNonAD().String(),
		MsgIDs: ids,
		Level:  level,
	})
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var batch []Incoming
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			h.logger.Warn("skipping history conversation with bad jid",
				zap.String("jid", conv.GetID()), zap.Error(err))
			continue
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			key := wmsg.GetKey()
			// Direct chats carry no participant; the sender is the chat.
			sender := chatJID
			if p := key.GetParticipant(); p != "" {
				if j, err := types.ParseJID(p); err == nil {
					sender = j
				}
			}
			info := types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:     chatJID,
					Sender:   sender,
					IsFromMe: key.GetFromMe(),
				},
				ID:        key.GetID(),
				Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
			}
			parsed := ParseHistoryMessage(wmsg.GetMessage(), info)
			batch = append(batch, Incoming{Message: parsed.ToStoreMessage()})
		}
	}

	if len(batch) > 0 {
		h.broker.Emit(bus.KindProviderHistoryBatch, batch)
	}
}

package bus

import "time"

// Event is a domain event published on the broker.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix, so
// related kinds share a dotted prefix ("wa.", "chat.", "session.").
const (
	KindProviderMessage      = "wa.message"
	KindProviderReceipt      = "wa.receipt"
	KindProviderHistoryBatch = "wa.history_batch"
	KindProviderPicture      = "wa.picture_changed"

	KindChatMessage = "chat.message"
	KindChatUpdated = "chat.updated"
	KindChatDeleted = "chat.deleted"

	KindSessionStatus     = "session.status_changed"
	KindSessionQR         = "session.qr"
	KindSessionAuthed     = "session.authenticated"
	KindSessionAuthFailed = "session.auth_failed"
	KindSessionLoggedOut  = "session.logged_out"

	KindSyncConnected    = "sync.connected"
	KindSyncDisconnected = "sync.disconnected"
	KindSyncHistoryBatch = "sync.history_batch"

	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"
)

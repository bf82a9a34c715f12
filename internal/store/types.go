package store

// Ack is the delivery-acknowledgement level of a message. Levels are
// ordinal: a message only ever moves to a higher level.
type Ack int

const (
	AckSent Ack = iota
	AckServer
	AckDelivered
	AckRead
)

// Conversation is the persisted per-peer conversation record. There is
// exactly one canonical row per peer id; the message log lives in the
// messages table.
type Conversation struct {
	PeerID         string
	DisplayName    string
	AvatarURL      string
	UnreadCount    int
	LastMsgID      string
	LastActivityAt int64
}

// Message is a synced message. MsgID is the provider-issued id, unique
// per conversation and used for deduplication.
type Message struct {
	ID          int64
	PeerID      string
	MsgID       string
	SenderID    string
	RecipientID string
	Body        string
	FromMe      bool
	Ack         Ack
	Timestamp   int64

	// Optional media descriptor; zero values mean no media.
	MediaURL     string
	MediaMIME    string
	MediaName    string
	MediaSize    int64
	MediaVoice   bool
	MediaSeconds int
}

// HasMedia reports whether the message carries a media descriptor.
func (m *Message) HasMedia() bool {
	return m.MediaURL != "" || m.MediaMIME != ""
}

// ReadCursor marks the boundary before which all messages in a
// conversation are considered read by a user.
type ReadCursor struct {
	PeerID        string
	UserID        string
	LastReadMsgID string
	LastReadTS    int64
	UpdatedAt     int64
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	PeerID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

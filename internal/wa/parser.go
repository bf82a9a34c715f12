package wa

import (
	"github.com/gestorlite/zapbridge/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParsedMessage is a normalized message ready for ingestion. PeerJID is
// the conversation key: the remote side for direct chats, the group JID
// for groups.
type ParsedMessage struct {
	PeerJID    string
	MsgID      string
	SenderJID  string
	SenderName string
	Body       string
	FromMe     bool
	Timestamp  int64

	MediaURL     string
	MediaMIME    string
	MediaName    string
	MediaSize    int64
	MediaVoice   bool
	MediaSeconds int
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	p := &ParsedMessage{
		PeerJID:    evt.Info.Chat.ToNonAD().String(),
		MsgID:      evt.Info.ID,
		SenderJID:  evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		Body:       extractTextBody(evt.Message),
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
	extractMedia(evt.Message, p)
	return p
}

// ParseHistoryMessage normalizes a history sync message.
func ParseHistoryMessage(msg *waE2E.Message, info types.MessageInfo) *ParsedMessage {
	p := &ParsedMessage{
		PeerJID:    info.Chat.ToNonAD().String(),
		MsgID:      info.ID,
		SenderJID:  info.Sender.ToNonAD().String(),
		SenderName: info.PushName,
		Body:       extractTextBody(msg),
		FromMe:     info.IsFromMe,
		Timestamp:  info.Timestamp.UnixMilli(),
	}
	extractMedia(msg, p)
	return p
}

// ToStoreMessage converts a ParsedMessage to a store.Message. Sender and
// recipient are arranged so the conversation key resolves to PeerJID for
// both directions.
func (p *ParsedMessage) ToStoreMessage() *store.Message {
	m := &store.Message{
		MsgID:        p.MsgID,
		Body:         p.Body,
		FromMe:       p.FromMe,
		Ack:          store.AckServer,
		Timestamp:    p.Timestamp,
		MediaURL:     p.MediaURL,
		MediaMIME:    p.MediaMIME,
		MediaName:    p.MediaName,
		MediaSize:    p.MediaSize,
		MediaVoice:   p.MediaVoice,
		MediaSeconds: p.MediaSeconds,
	}
	if p.FromMe {
		m.SenderID = p.SenderJID
		m.RecipientID = p.PeerJID
	} else {
		m.SenderID = p.PeerJID
		m.RecipientID = p.SenderJID
	}
	return m
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func extractMedia(msg *waE2E.Message, p *ParsedMessage) {
	if msg == nil {
		return
	}
	switch {
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		p.MediaURL = img.GetURL()
		p.MediaMIME = img.GetMimetype()
		p.MediaSize = int64(img.GetFileLength())
		if p.Body == "" {
			p.Body = img.GetCaption()
		}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		p.MediaURL = vid.GetURL()
		p.MediaMIME = vid.GetMimetype()
		p.MediaSize = int64(vid.GetFileLength())
		p.MediaSeconds = int(vid.GetSeconds())
		if p.Body == "" {
			p.Body = vid.GetCaption()
		}
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		p.MediaURL = aud.GetURL()
		p.MediaMIME = aud.GetMimetype()
		p.MediaSize = int64(aud.GetFileLength())
		p.MediaVoice = aud.GetPTT()
		p.MediaSeconds = int(aud.GetSeconds())
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		p.MediaURL = doc.GetURL()
		p.MediaMIME = doc.GetMimetype()
		p.MediaName = doc.GetFileName()
		p.MediaSize = int64(doc.GetFileLength())
	}
}

package wa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	broker    *bus.Broker
	logger    *zap.Logger
	session   string
}

// NewAdapter creates a WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Broker, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("ZapBridge", [3]uint32{0, 1, 0})

	dbPath := session.ProviderDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		broker:    b,
		logger:    logger,
		session:   sessionName,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given JID and returns the server
// message id.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// MarkRead reports the given messages as read to the server, so the
// sender sees blue ticks and other devices clear the badge.
func (a *Adapter) MarkRead(peerJID string, msgIDs []string) error {
	chat, err := types.ParseJID(peerJID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	ids := make([]types.MessageID, 0, len(msgIDs))
	for _, id := range msgIDs {
		ids = append(ids, types.MessageID(id))
	}
	return a.client.MarkRead(context.Background(), ids, time.Now(), chat, chat, types.ReceiptTypeRead)
}

// AvatarURL returns the peer's current profile picture URL. A peer with
// no picture, or one that hides it from us, yields an empty URL and no
// error.
func (a *Adapter) AvatarURL(ctx context.Context, peerID string) (string, error) {
	jid, err := types.ParseJID(peerID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
			return "", nil
		}
		return "", fmt.Errorf("get profile picture: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// GetQRChannel returns the QR channel for pairing. Must be called before
// Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// ContactName returns the stored contact name for a peer, preferring the
// address book entry over the self-declared push name.
func (a *Adapter) ContactName(ctx context.Context, peerID string) string {
	jid, err := types.ParseJID(peerID)
	if err != nil {
		return ""
	}
	info, err := a.client.Store.Contacts.GetContact(ctx, jid.ToNonAD())
	if err != nil || !info.Found {
		return ""
	}
	if info.FullName != "" {
		return info.FullName
	}
	return info.PushName
}

// PhoneNumber returns the phone number from the device store, or empty
// string when not paired.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

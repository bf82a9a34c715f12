// Package client is the daemon's HTTP client side: the connection
// stabilizer, the retry policy, and typed accessors for the REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gestorlite/zapbridge/internal/config"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/store"
	"go.uber.org/zap"
)

// Client talks to the daemon API through the stabilizer's retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	stab       *Stabilizer
}

// New creates a client and its stabilizer for the daemon at baseURL.
func New(baseURL string, cfg *config.Config, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Probe.Timeout()},
		stab:       NewStabilizer(baseURL, cfg.Probe, cfg.Retry, logger),
	}
}

// Stabilizer exposes the connection stabilizer for subscriptions.
func (c *Client) Stabilizer() *Stabilizer {
	return c.stab
}

// Start launches the health-probe loop.
func (c *Client) Start(ctx context.Context) {
	c.stab.Start(ctx)
}

// Stop stops the probe loop.
func (c *Client) Stop() {
	c.stab.Stop()
}

// Health is the decoded /health payload.
type Health struct {
	OK       bool `json:"ok"`
	WhatsApp struct {
		State         string `json:"state"`
		Authenticated bool   `json:"authenticated"`
		Connected     bool   `json:"connected"`
		Ready         bool   `json:"ready"`
	} `json:"whatsapp"`
}

// Health fetches the daemon health payload without the retry loop, so
// callers see the raw state.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists all conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]convo.Summary, error) {
	return Do(ctx, c.stab, func(ctx context.Context) ([]convo.Summary, error) {
		var out []convo.Summary
		err := c.getJSON(ctx, "/api/conversations", &out)
		return out, err
	})
}

// Messages returns a conversation's messages, optionally only those
// strictly after sinceTS.
func (c *Client) Messages(ctx context.Context, peerID string, sinceTS int64) ([]store.Message, error) {
	path := "/api/conversations/" + url.PathEscape(peerID) + "/messages"
	if sinceTS >= 0 {
		path += "?since=" + strconv.FormatInt(sinceTS, 10)
	}
	return Do(ctx, c.stab, func(ctx context.Context) ([]store.Message, error) {
		var out []store.Message
		err := c.getJSON(ctx, path, &out)
		return out, err
	})
}

// MarkRead clears a conversation's unread state.
func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	path := "/api/conversations/" + url.PathEscape(peerID) + "/read"
	_, err := Do(ctx, c.stab, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doJSON(ctx, http.MethodPost, path, nil, nil)
	})
	return err
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, peerID string) error {
	path := "/api/conversations/" + url.PathEscape(peerID)
	_, err := Do(ctx, c.stab, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	})
	return err
}

// Send queues an outgoing text message and returns the client message
// id assigned by the daemon.
func (c *Client) Send(ctx context.Context, peerID, body string) (string, error) {
	req := map[string]string{"peer_id": peerID, "body": body}
	return Do(ctx, c.stab, func(ctx context.Context) (string, error) {
		var out map[string]string
		if err := c.doJSON(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
			return "", err
		}
		return out["client_msg_id"], nil
	})
}

// StartQRAuth asks the daemon to begin the QR login flow. Auth events
// stream on the websocket feed under the "session." prefix.
func (c *Client) StartQRAuth(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/qr", nil, nil)
}

// WebsocketURL returns the ws:// address of the daemon event feed,
// filtered to kinds under prefix.
func (c *Client) WebsocketURL(prefix string) string {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http")
	if prefix == "" {
		return wsURL + "/ws"
	}
	return wsURL + "/ws?prefix=" + url.QueryEscape(prefix)
}

// Avatars resolves avatar URLs for the given peers, returning an empty
// map when the daemon cannot be reached.
func (c *Client) Avatars(ctx context.Context, peerIDs []string) map[string]string {
	path := "/api/avatars?peers=" + url.QueryEscape(strings.Join(peerIDs, ","))
	return DoWithFallback(ctx, c.stab, func(ctx context.Context) (map[string]string, error) {
		var out map[string]string
		err := c.getJSON(ctx, path, &out)
		return out, err
	}, map[string]string{})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

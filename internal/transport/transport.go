// Package transport builds authenticated WebSocket connections to the chat backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoCredential is returned when a socket is requested without a token or user.
var ErrNoCredential = errors.New("transport: no credential")

// Credentials identify the signed-in user on every socket.
type Credentials struct {
	UserID int64
	Token  string
}

// Valid 表示凭证是否完整。
func (c Credentials) Valid() bool {
	return c.UserID != 0 && strings.TrimSpace(c.Token) != ""
}

// Dialer opens one socket for a path. Implemented by Factory.
type Dialer interface {
	Open(ctx context.Context, path string, creds Credentials) (*websocket.Conn, error)
}

// Factory dials sockets relative to a base origin.
type Factory struct {
	base   string
	dialer *websocket.Dialer
}

// NewFactory creates a factory for baseURL. http and https bases are mapped to
// ws and wss.
func NewFactory(baseURL string, handshakeTimeout time.Duration) *Factory {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Factory{
		base:   base,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// URL returns the full socket address for path with the token attached as the
// access_token query parameter.
func (f *Factory) URL(path string, creds Credentials) (string, error) {
	if !creds.Valid() {
		return "", ErrNoCredential
	}
	u, err := url.Parse(f.base + path)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", creds.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials path once. There is no retry here; callers own reconnection.
func (f *Factory) Open(ctx context.Context, path string, creds Credentials) (*websocket.Conn, error) {
	target, err := f.URL(path, creds)
	if err != nil {
		return nil, err
	}

	conn, resp, err := f.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed (status %d): %w", path, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", path, err)
	}
	return conn, nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// NotificationsPath is the user's global notification socket.
func NotificationsPath(userID int64) string {
	return "/ws/" + id(userID) + "/notifications"
}

// MessagesPath is the live message socket of a conversation.
func MessagesPath(userID, conversationID int64) string {
	return conversationPath(userID, conversationID, "messages")
}

// TokensPath is the AI token stream of a conversation.
func TokensPath(userID, conversationID int64) string {
	return conversationPath(userID, conversationID, "tokens")
}

// NotifyPath is the per-conversation notification socket.
func NotifyPath(userID, conversationID int64) string {
	return conversationPath(userID, conversationID, "notify")
}

// SelectedFilesPath is the file-selection echo socket of a project.
func SelectedFilesPath(userID, projectID int64) string {
	return "/ws/" + id(userID) + "/projects/" + id(projectID) + "/selected-files"
}

func conversationPath(userID, conversationID int64, kind string) string {
	return "/ws/" + id(userID) + "/conversations/" + id(conversationID) + "/" + kind
}

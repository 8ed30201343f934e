package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/channel"
	"github.com/zhouzirui/z-tavern/chatsync/internal/stream"
	"github.com/zhouzirui/z-tavern/chatsync/internal/transport"
)

// Links builds resilient channels for every socket the client uses.
type Links struct {
	dialer    transport.Dialer
	creds     transport.Credentials
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    zerolog.Logger
}

// NewLinks 创建通道工厂。
func NewLinks(dialer transport.Dialer, creds transport.Credentials, baseDelay, maxDelay time.Duration, logger zerolog.Logger) *Links {
	return &Links{
		dialer:    dialer,
		creds:     creds,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		logger:    logger,
	}
}

// Credentials returns the credential every channel is opened with.
func (l *Links) Credentials() transport.Credentials { return l.creds }

func (l *Links) open(name, path string) *channel.Channel {
	return channel.New(l.dialer, channel.Options{
		Name:        name,
		Path:        path,
		Credentials: l.creds,
		BaseDelay:   l.baseDelay,
		MaxDelay:    l.maxDelay,
		Logger:      l.logger,
	})
}

// Messages implements stream.LinkFactory.
func (l *Links) Messages(conversationID int64) stream.Link {
	return l.open("messages", transport.MessagesPath(l.creds.UserID, conversationID))
}

// Tokens implements stream.LinkFactory.
func (l *Links) Tokens(conversationID int64) stream.Link {
	return l.open("tokens", transport.TokensPath(l.creds.UserID, conversationID))
}

// Notify opens a conversation's notify socket.
func (l *Links) Notify(conversationID int64) *channel.Channel {
	return l.open("notify", transport.NotifyPath(l.creds.UserID, conversationID))
}

// Notifications opens the user's global notification socket.
func (l *Links) Notifications() *channel.Channel {
	return l.open("notifications", transport.NotificationsPath(l.creds.UserID))
}

// SelectedFiles opens a project's file-selection socket.
func (l *Links) SelectedFiles(projectID int64) *channel.Channel {
	return l.open("selected-files", transport.SelectedFilesPath(l.creds.UserID, projectID))
}

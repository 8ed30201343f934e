// Package stream keeps one conversation's message list consistent across
// history pages, unread fetches, the live message socket and the AI token
// stream.
package stream

import (
	"context"
	"errors"

	"github.com/zhouzirui/z-tavern/chatsync/internal/api"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

var (
	ErrEmptyMessage = errors.New("stream: empty message")
	ErrNotConnected = errors.New("stream: live channel not connected")
	ErrClosed       = errors.New("stream: controller closed")
)

// EndOfStream terminates an AI token stream.
const EndOfStream = "[DONE]"

// Link is a text subscription. *channel.Channel implements it.
type Link interface {
	OnMessage(handler func(string))
	Start()
	Stop()
	Send(text string) error
}

// LinkFactory creates the per-conversation sockets.
type LinkFactory interface {
	Messages(conversationID int64) Link
	Tokens(conversationID int64) Link
}

// Backend is the subset of the REST API the controller needs. *api.Client implements it.
type Backend interface {
	FetchMessages(ctx context.Context, conversationID int64, page, size int) (api.Page[chat.MessageEvent], error)
	FetchUnread(ctx context.Context, conversationID int64) ([]chat.MessageEvent, error)
	FetchParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error)
	StopAI(ctx context.Context, conversationID int64) error
}

// Cursor tracks backward pagination. Next only moves forward.
type Cursor struct {
	Next       int
	TotalPages int
	// Known is false until the first page answered.
	Known bool
}

// Exhausted reports whether every page has been loaded.
func (c Cursor) Exhausted() bool {
	return c.Known && c.Next >= c.TotalPages
}

// View is a point-in-time copy of the controller state.
type View struct {
	Messages     []chat.Message
	Participants []chat.Participant
	Draft        string
	AIWorking    bool
	Cursor       Cursor
	// Pending counts optimistic messages not yet echoed by the server.
	Pending int
}

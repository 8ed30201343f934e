package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/eventbus"
)

// Reserved frames on a per-conversation notify socket.
const (
	FrameNewMessage = "new-message"
	FrameDeleted    = "deleted"
)

// MaxConversationNotices caps the per-conversation notice list.
const MaxConversationNotices = 50

// Hooks 是会话通知的回调。
type Hooks struct {
	OnNewMessage func()
	OnDeleted    func()
}

// ConversationFeed consumes one conversation's notify socket.
type ConversationFeed struct {
	conversationID int64
	src            Source
	hooks          Hooks
	logger         zerolog.Logger
	unsubscribe    func()

	mu       sync.Mutex
	notices  []string
	onChange func()
	stopped  bool
}

// NewConversationFeed wires src and subscribes to conversation deletions on bus.
func NewConversationFeed(conversationID int64, src Source, bus *eventbus.Bus, hooks Hooks, logger zerolog.Logger) *ConversationFeed {
	f := &ConversationFeed{
		conversationID: conversationID,
		src:            src,
		hooks:          hooks,
		logger:         logger.With().Str("component", "conversation-feed").Int64("conversation_id", conversationID).Logger(),
	}
	src.OnMessage(f.handle)
	if bus != nil {
		f.unsubscribe = bus.Subscribe(func(ev eventbus.Event) {
			if ev.ID == f.conversationID && f.hooks.OnDeleted != nil {
				f.hooks.OnDeleted()
			}
		}, eventbus.ConversationDeleted)
	}
	return f
}

// Start 开始接收会话通知。
func (f *ConversationFeed) Start() { f.src.Start() }

// Stop closes the socket, leaves the bus and discards pending notices. A frame
// already being delivered when Stop runs is dropped.
func (f *ConversationFeed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.notices = nil
	f.mu.Unlock()
	f.src.Stop()
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
}

// OnChange registers a callback fired after the notice list changes.
func (f *ConversationFeed) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Notices returns a copy of the raw frames received since the last Clear.
func (f *ConversationFeed) Notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notices))
	copy(out, f.notices)
	return out
}

// Clear 清空通知列表（会话获得焦点时调用）。
func (f *ConversationFeed) Clear() {
	f.mu.Lock()
	f.notices = nil
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *ConversationFeed) handle(text string) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.notices = append(f.notices, text)
	if over := len(f.notices) - MaxConversationNotices; over > 0 {
		f.notices = append([]string(nil), f.notices[over:]...)
	}
	fn := f.onChange
	f.mu.Unlock()

	switch text {
	case FrameNewMessage:
		if f.hooks.OnNewMessage != nil {
			f.hooks.OnNewMessage()
		}
	case FrameDeleted:
		f.logger.Info().Msg("conversation deleted")
		if f.hooks.OnDeleted != nil {
			f.hooks.OnDeleted()
		}
	}

	if fn != nil {
		fn()
	}
}

package notify

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/eventbus"
)

// Reserved frames on the global notification socket.
const (
	conversationDeletedPrefix = "Conversation deleted:"
	projectDeletedPrefix      = "Project deleted:"
	messageProcessed          = "Message Processed"
)

// Source is a live text subscription, normally a *channel.Channel.
type Source interface {
	OnMessage(handler func(string))
	Start()
	Stop()
}

// Notice is a surfaced system notification.
type Notice struct {
	Message string
	Level   Level
}

// SystemFeed consumes the user's global notification socket. Deletion frames
// become bus events; everything else except acknowledgements is surfaced.
type SystemFeed struct {
	src    Source
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	notices  []Notice
	onChange func()
	stopped  bool
}

// NewSystemFeed wires the feed to src. Call Start to connect.
func NewSystemFeed(src Source, bus *eventbus.Bus, logger zerolog.Logger) *SystemFeed {
	f := &SystemFeed{
		src:    src,
		bus:    bus,
		logger: logger.With().Str("component", "system-feed").Logger(),
	}
	src.OnMessage(f.handle)
	return f
}

// Start 开始接收通知。
func (f *SystemFeed) Start() { f.src.Start() }

// Stop 关闭底层通道，之后到达的帧被丢弃。
func (f *SystemFeed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.src.Stop()
}

// OnChange registers a callback fired after the notice list changes.
func (f *SystemFeed) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Notices returns a copy of the surfaced notices in arrival order.
func (f *SystemFeed) Notices() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notice, len(f.notices))
	copy(out, f.notices)
	return out
}

// Remove drops the notice at index, keeping the order of the rest.
func (f *SystemFeed) Remove(index int) bool {
	f.mu.Lock()
	if index < 0 || index >= len(f.notices) {
		f.mu.Unlock()
		return false
	}
	f.notices = append(f.notices[:index], f.notices[index+1:]...)
	fn := f.onChange
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (f *SystemFeed) handle(text string) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return
	}

	switch {
	case strings.HasPrefix(text, conversationDeletedPrefix):
		f.publishDeleted(eventbus.ConversationDeleted, strings.TrimPrefix(text, conversationDeletedPrefix))
		return
	case strings.HasPrefix(text, projectDeletedPrefix):
		f.publishDeleted(eventbus.ProjectDeleted, strings.TrimPrefix(text, projectDeletedPrefix))
		return
	case text == messageProcessed:
		return
	}

	f.mu.Lock()
	f.notices = append(f.notices, Notice{Message: text, Level: Classify(text)})
	fn := f.onChange
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (f *SystemFeed) publishDeleted(kind eventbus.Kind, raw string) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		f.logger.Warn().Str("kind", string(kind)).Str("raw", raw).Msg("malformed delete notice dropped")
		return
	}
	f.bus.Publish(eventbus.Event{Kind: kind, ID: id})
}

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/api"
	"github.com/zhouzirui/z-tavern/chatsync/internal/channel"
	"github.com/zhouzirui/z-tavern/chatsync/internal/eventbus"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/notify"
)

// ListBackend is the REST surface used by the conversation list.
type ListBackend interface {
	FetchConversations(ctx context.Context, page, size int) (api.Page[chat.Conversation], error)
	FetchProjectConversations(ctx context.Context, projectID int64) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context) (chat.Conversation, error)
	CreateProjectConversation(ctx context.Context, projectID int64) (chat.Conversation, error)
	UpdateConversation(ctx context.Context, conversationID int64, title string) (chat.Conversation, error)
}

// ListOptions 描述会话列表参数。ProjectID 为空时列出未归属项目的会话。
type ListOptions struct {
	ProjectID *int64
	PageSize  int
	Logger    zerolog.Logger
}

// ConversationList is the sidebar: a list of conversations, each watched
// through its notify socket for unread activity and deletion.
type ConversationList struct {
	backend  ListBackend
	bus      *eventbus.Bus
	registry *channel.Registry
	opts     ListOptions
	logger   zerolog.Logger
	unsub    func()

	mu         sync.Mutex
	items      []chat.Conversation
	unread     map[int64]bool
	next       int
	totalPages int
	known      bool
	loading    bool
	onChange   func()
}

// NewConversationList creates an empty list. Call LoadMore to fill it.
func NewConversationList(backend ListBackend, links *Links, bus *eventbus.Bus, opts ListOptions) *ConversationList {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	l := &ConversationList{
		backend: backend,
		bus:     bus,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "conversation-list").Logger(),
		unread:  make(map[int64]bool),
	}
	l.registry = channel.NewRegistry(func(id int64) *channel.Channel {
		ch := links.Notify(id)
		ch.OnMessage(func(text string) { l.onNotify(ch, id, text) })
		return ch
	})
	l.unsub = bus.Subscribe(l.onEvent, eventbus.ConversationDeleted, eventbus.ProjectDeleted, eventbus.TitleUpdated)
	return l
}

// OnChange registers a callback fired after the list changes.
func (l *ConversationList) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *ConversationList) belongs(c chat.Conversation) bool {
	if l.opts.ProjectID == nil {
		return !c.Scoped()
	}
	return c.Scoped() && *c.ProjectID == *l.opts.ProjectID
}

// LoadMore fetches the next page. Pages that contain nothing for this list
// are skipped until something is found or pages run out. Project lists load
// in a single call.
func (l *ConversationList) LoadMore(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.loading || (l.known && l.next >= l.totalPages) {
			l.mu.Unlock()
			return nil
		}
		l.loading = true
		page := l.next
		l.mu.Unlock()

		items, totalPages, err := l.fetch(ctx, page)

		l.mu.Lock()
		l.loading = false
		if err != nil {
			l.mu.Unlock()
			l.logger.Error().Err(err).Int("page", page).Msg("load conversations failed")
			return fmt.Errorf("load conversations page %d: %w", page, err)
		}
		added := l.appendLocked(items)
		l.next = page + 1
		l.totalPages = totalPages
		l.known = true
		l.mu.Unlock()

		for _, c := range added {
			l.registry.Acquire(c.ID)
		}
		l.emit()

		if len(added) > 0 {
			return nil
		}
	}
}

func (l *ConversationList) fetch(ctx context.Context, page int) ([]chat.Conversation, int, error) {
	if l.opts.ProjectID != nil {
		items, err := l.backend.FetchProjectConversations(ctx, *l.opts.ProjectID)
		return items, 1, err
	}
	res, err := l.backend.FetchConversations(ctx, page, l.opts.PageSize)
	if err != nil {
		return nil, 0, err
	}
	return res.Items, res.Meta.TotalPages, nil
}

func (l *ConversationList) appendLocked(items []chat.Conversation) []chat.Conversation {
	seen := make(map[int64]struct{}, len(l.items))
	for _, c := range l.items {
		seen[c.ID] = struct{}{}
	}
	var added []chat.Conversation
	for _, c := range items {
		if _, ok := seen[c.ID]; ok || !l.belongs(c) {
			continue
		}
		seen[c.ID] = struct{}{}
		l.items = append(l.items, c)
		added = append(added, c)
	}
	return added
}

// Create 新建会话并放到列表顶部。
func (l *ConversationList) Create(ctx context.Context) (chat.Conversation, error) {
	var (
		conv chat.Conversation
		err  error
	)
	if l.opts.ProjectID != nil {
		conv, err = l.backend.CreateProjectConversation(ctx, *l.opts.ProjectID)
	} else {
		conv, err = l.backend.CreateConversation(ctx)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	l.mu.Lock()
	l.removeLocked(conv.ID)
	l.items = append([]chat.Conversation{conv}, l.items...)
	l.mu.Unlock()

	l.registry.Acquire(conv.ID)
	l.emit()
	return conv, nil
}

// Rename updates the title on the server and announces it on the bus.
func (l *ConversationList) Rename(ctx context.Context, conversationID int64, title string) error {
	conv, err := l.backend.UpdateConversation(ctx, conversationID, title)
	if err != nil {
		return fmt.Errorf("rename conversation %d: %w", conversationID, err)
	}
	if conv.Title != "" {
		title = conv.Title
	}
	l.bus.Publish(eventbus.Event{Kind: eventbus.TitleUpdated, ID: conversationID, Title: title})
	return nil
}

// MarkRead 清除未读标记。
func (l *ConversationList) MarkRead(conversationID int64) {
	l.mu.Lock()
	_, ok := l.unread[conversationID]
	delete(l.unread, conversationID)
	l.mu.Unlock()
	if ok {
		l.emit()
	}
}

// Unread reports whether the conversation had activity since MarkRead.
func (l *ConversationList) Unread(conversationID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unread[conversationID]
}

// Items returns a copy of the list in display order.
func (l *ConversationList) Items() []chat.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chat.Conversation(nil), l.items...)
}

// Watching returns the number of notify sockets held by the list.
func (l *ConversationList) Watching() int { return l.registry.Len() }

// Close releases every notify socket and leaves the bus.
func (l *ConversationList) Close() {
	l.unsub()
	l.registry.CloseAll()
}

// onNotify drops frames from a socket the list no longer holds: one released
// by a removal or by Close can still be mid-delivery.
func (l *ConversationList) onNotify(ch *channel.Channel, id int64, text string) {
	if cur, ok := l.registry.Get(id); !ok || cur != ch {
		return
	}
	if text == notify.FrameDeleted {
		l.remove(id)
		return
	}
	l.mu.Lock()
	l.unread[id] = true
	l.mu.Unlock()
	l.emit()
}

func (l *ConversationList) onEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.TitleUpdated:
		l.mu.Lock()
		changed := false
		for i := range l.items {
			if l.items[i].ID == ev.ID {
				l.items[i].Title = ev.Title
				changed = true
			}
		}
		l.mu.Unlock()
		if changed {
			l.emit()
		}
	case eventbus.ConversationDeleted:
		l.remove(ev.ID)
	case eventbus.ProjectDeleted:
		l.mu.Lock()
		var gone []int64
		for _, c := range l.items {
			if c.Scoped() && *c.ProjectID == ev.ID {
				gone = append(gone, c.ID)
			}
		}
		l.mu.Unlock()
		for _, id := range gone {
			l.remove(id)
		}
	}
}

func (l *ConversationList) remove(id int64) {
	l.mu.Lock()
	found := l.removeLocked(id)
	l.mu.Unlock()

	l.registry.Release(id)
	if found {
		l.logger.Debug().Int64("conversation_id", id).Msg("conversation removed")
		l.emit()
	}
}

func (l *ConversationList) removeLocked(id int64) bool {
	delete(l.unread, id)
	for i, c := range l.items {
		if c.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

func (l *ConversationList) emit() {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

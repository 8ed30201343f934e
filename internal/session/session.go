// Package session is the entry point of the chat client: one Session per
// signed-in user, with at most one open conversation at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/eventbus"
	"github.com/zhouzirui/z-tavern/chatsync/internal/filesync"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/notify"
	"github.com/zhouzirui/z-tavern/chatsync/internal/stream"
)

var (
	ErrNoConversation = errors.New("session: no open conversation")
	ErrNotProject     = errors.New("session: conversation is not project scoped")
	ErrClosed         = errors.New("session: closed")
)

const unreadFetchTimeout = 10 * time.Second

// Backend is the REST surface used by an open conversation.
type Backend interface {
	stream.Backend
	filesync.Backend
}

// Options 描述会话参数。
type Options struct {
	PageSize                 int
	ParticipantRetryInterval time.Duration
	ParticipantRetryAttempts int
	Logger                   zerolog.Logger
}

// View is the observable state of the session.
type View struct {
	Conversation *chat.Conversation
	stream.View
	Notices             []notify.Notice
	ConversationNotices []string
	VisibleFiles        []string
}

type conversationView struct {
	conversation chat.Conversation
	ctrl         *stream.Controller
	feed         *notify.ConversationFeed
	echo         *filesync.Echo
}

func (v *conversationView) close() {
	v.ctrl.Close()
	v.feed.Stop()
	if v.echo != nil {
		v.echo.Stop()
	}
}

// Session owns the system feed and the currently open conversation.
type Session struct {
	backend Backend
	links   *Links
	bus     *eventbus.Bus
	opts    Options
	logger  zerolog.Logger
	system  *notify.SystemFeed
	unsub   func()

	mu       sync.Mutex
	active   *conversationView
	closed   bool
	onChange func()
}

// New creates a session. Call Start to connect the system feed.
func New(backend Backend, links *Links, bus *eventbus.Bus, opts Options) *Session {
	s := &Session{
		backend: backend,
		links:   links,
		bus:     bus,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "session").Logger(),
	}
	s.system = notify.NewSystemFeed(links.Notifications(), bus, opts.Logger)
	s.system.OnChange(s.emit)
	s.unsub = bus.Subscribe(s.onEvent, eventbus.ProjectDeleted, eventbus.TitleUpdated)
	return s
}

// Start connects the global notification socket. Without a credential it does nothing.
func (s *Session) Start(ctx context.Context) {
	s.system.Start()
	s.logger.Debug().Int64("user_id", s.links.Credentials().UserID).Msg("session started")
}

// OnChange registers a callback fired after any visible state changes.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open switches to conversation, tearing the previous one down first.
func (s *Session) Open(ctx context.Context, conversation chat.Conversation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.active
	s.active = nil
	s.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	creds := s.links.Credentials()
	logger := s.opts.Logger
	v := &conversationView{conversation: conversation}
	v.ctrl = stream.New(s.backend, s.links, stream.Options{
		ConversationID:           conversation.ID,
		UserID:                   creds.UserID,
		PageSize:                 s.opts.PageSize,
		ParticipantRetryInterval: s.opts.ParticipantRetryInterval,
		ParticipantRetryAttempts: s.opts.ParticipantRetryAttempts,
		Logger:                   logger,
	})
	v.feed = notify.NewConversationFeed(conversation.ID, s.links.Notify(conversation.ID), s.bus, notify.Hooks{
		OnNewMessage: func() { go s.fetchUnread(v) },
		OnDeleted:    func() { s.onDeleted(v) },
	}, logger)
	if conversation.Scoped() {
		v.echo = filesync.New(*conversation.ProjectID, s.links.SelectedFiles(*conversation.ProjectID), s.backend, logger)
	}

	v.ctrl.OnChange(s.emit)
	v.feed.OnChange(s.emit)
	if v.echo != nil {
		v.echo.OnChange(s.emit)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		v.close()
		return ErrClosed
	}
	s.active = v
	s.mu.Unlock()

	s.logger.Info().Int64("conversation_id", conversation.ID).Msg("conversation opened")

	v.feed.Start()
	err := v.ctrl.Open(ctx)
	if v.echo != nil {
		v.echo.Start(ctx)
	}
	s.emit()
	return err
}

func (s *Session) current() (*conversationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.active == nil {
		return nil, ErrNoConversation
	}
	return s.active, nil
}

func (s *Session) fetchUnread(v *conversationView) {
	ctx, cancel := context.WithTimeout(context.Background(), unreadFetchTimeout)
	defer cancel()
	if err := v.ctrl.FetchUnread(ctx); err != nil && !errors.Is(err, stream.ErrClosed) {
		s.logger.Warn().Err(err).Int64("conversation_id", v.conversation.ID).Msg("unread refresh failed")
	}
}

// onDeleted stops any generation and closes v if it is still the open view.
func (s *Session) onDeleted(v *conversationView) {
	s.mu.Lock()
	if s.active != v {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.mu.Unlock()

	v.ctrl.StopAI(context.Background())
	v.close()
	s.logger.Info().Int64("conversation_id", v.conversation.ID).Msg("open conversation was deleted")
	s.emit()
}

func (s *Session) onEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.ProjectDeleted:
		s.onProjectDeleted(ev)
	case eventbus.TitleUpdated:
		s.onTitleUpdated(ev)
	}
}

func (s *Session) onProjectDeleted(ev eventbus.Event) {
	s.mu.Lock()
	v := s.active
	s.mu.Unlock()
	if v == nil || !v.conversation.Scoped() || *v.conversation.ProjectID != ev.ID {
		return
	}
	s.onDeleted(v)
}

// onTitleUpdated 同步打开会话的标题。
func (s *Session) onTitleUpdated(ev eventbus.Event) {
	s.mu.Lock()
	v := s.active
	if v == nil || v.conversation.ID != ev.ID {
		s.mu.Unlock()
		return
	}
	v.conversation.Title = ev.Title
	s.mu.Unlock()
	s.emit()
}

// Send posts text to the open conversation.
func (s *Session) Send(ctx context.Context, text string) error {
	return s.send(ctx, text, false)
}

// AskAI posts text addressed to the AI assistant.
func (s *Session) AskAI(ctx context.Context, text string) error {
	return s.send(ctx, text, true)
}

// send republishes the project file selection before every message so the
// backend sees the sender's current pick. A failed push does not block the send.
func (s *Session) send(ctx context.Context, text string, toAI bool) error {
	v, err := s.current()
	if err != nil {
		return err
	}
	if v.echo != nil {
		_ = v.echo.Push(ctx)
	}
	return v.ctrl.Send(ctx, text, toAI)
}

// StopAI 停止当前会话中的 AI 生成。
func (s *Session) StopAI(ctx context.Context) error {
	v, err := s.current()
	if err != nil {
		return err
	}
	v.ctrl.StopAI(ctx)
	return nil
}

// LoadMore 加载更早的历史消息。
func (s *Session) LoadMore(ctx context.Context) error {
	v, err := s.current()
	if err != nil {
		return err
	}
	return v.ctrl.LoadMore(ctx)
}

// RefreshParticipants 刷新成员列表。
func (s *Session) RefreshParticipants(ctx context.Context) error {
	v, err := s.current()
	if err != nil {
		return err
	}
	return v.ctrl.RefreshParticipants(ctx)
}

// Focus clears the open conversation's notices.
func (s *Session) Focus() {
	if v, err := s.current(); err == nil {
		v.feed.Clear()
	}
}

// SelectFiles publishes a file selection for the open project conversation.
func (s *Session) SelectFiles(ctx context.Context, files []string) error {
	v, err := s.current()
	if err != nil {
		return err
	}
	if v.echo == nil {
		return ErrNotProject
	}
	return v.echo.Select(ctx, files)
}

// RemoveNotice dismisses a system notice by index.
func (s *Session) RemoveNotice(index int) bool {
	return s.system.Remove(index)
}

// CloseConversation tears down the open conversation, if any.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	v := s.active
	s.active = nil
	s.mu.Unlock()

	if v != nil {
		v.close()
		s.emit()
	}
}

// Close releases every socket owned by the session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	v := s.active
	s.active = nil
	s.onChange = nil
	s.mu.Unlock()

	if v != nil {
		v.close()
	}
	s.system.Stop()
	s.unsub()
	s.logger.Debug().Msg("session closed")
}

// View 返回当前可观察状态的副本。
func (s *Session) View() View {
	s.mu.Lock()
	v := s.active
	var conv chat.Conversation
	if v != nil {
		conv = v.conversation
	}
	s.mu.Unlock()

	view := View{Notices: s.system.Notices()}
	if v == nil {
		return view
	}
	view.Conversation = &conv
	view.View = v.ctrl.Snapshot()
	view.ConversationNotices = v.feed.Notices()
	if v.echo != nil {
		view.VisibleFiles = v.echo.Visible()
	}
	return view
}

func (s *Session) emit() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

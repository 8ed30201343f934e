package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidToken         = errors.New("invalid token")
	ErrMessageIDRequired    = errors.New("message id is required")
	ErrEmptyText            = errors.New("message text is empty")
)

// User is a registered account of the development backend.
type User struct {
	ID       int64
	Username string
	Token    string
}

// SeedUsers returns the accounts every fresh store starts with.
func SeedUsers() []User {
	return []User{
		{ID: 1, Username: "alice", Token: "alice-token"},
		{ID: 2, Username: "bob", Token: "bob-token"},
	}
}

type conversation struct {
	info         chat.Conversation
	participants []int64
	messages     []chat.MessageEvent
	index        map[string]struct{}
	unread       map[int64][]chat.MessageEvent
}

func (c *conversation) hasParticipant(userID int64) bool {
	for _, id := range c.participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Service keeps users, conversations, messages, unread buffers and file
// selections in memory.
type Service struct {
	mu            sync.RWMutex
	users         map[int64]User
	tokens        map[string]int64
	conversations map[int64]*conversation
	nextID        int64
	selected      map[int64][]string
	now           func() time.Time
}

// NewService bootstraps the in-memory store with the given users.
func NewService(users ...User) *Service {
	if len(users) == 0 {
		users = SeedUsers()
	}
	s := &Service{
		users:         make(map[int64]User),
		tokens:        make(map[string]int64),
		conversations: make(map[int64]*conversation),
		selected:      make(map[int64][]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, u := range users {
		s.users[u.ID] = u
		if u.Token != "" {
			s.tokens[u.Token] = u.ID
		}
	}
	return s
}

// Authenticate resolves a bearer or access token.
func (s *Service) Authenticate(token string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[strings.TrimSpace(token)]
	if !ok {
		return User{}, ErrInvalidToken
	}
	return s.users[id], nil
}

func (s *Service) lookup(conversationID, userID int64) (*conversation, error) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !conv.hasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// CreateConversation 创建会话，创建者自动成为成员。
func (s *Service) CreateConversation(_ context.Context, userID int64, projectID *int64) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return chat.Conversation{}, ErrUserNotFound
	}

	s.nextID++
	info := chat.Conversation{
		ID:    s.nextID,
		Title: "New conversation",
		Type:  chat.ConversationPrivate,
	}
	if projectID != nil {
		pid := *projectID
		info.ProjectID = &pid
	}
	s.conversations[info.ID] = &conversation{
		info:         info,
		participants: []int64{userID},
		index:        make(map[string]struct{}),
		unread:       make(map[int64][]chat.MessageEvent),
	}
	return info, nil
}

// ListConversations pages through the user's conversations, newest first.
func (s *Service) ListConversations(_ context.Context, userID int64, page, size int) ([]chat.Conversation, chat.PageMeta) {
	s.mu.RLock()
	var all []chat.Conversation
	for _, conv := range s.conversations {
		if conv.hasParticipant(userID) {
			all = append(all, conv.info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, page, size)
}

// ProjectConversations lists the user's conversations scoped to projectID.
func (s *Service) ProjectConversations(_ context.Context, userID, projectID int64) []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Conversation
	for _, conv := range s.conversations {
		if conv.info.Scoped() && *conv.info.ProjectID == projectID && conv.hasParticipant(userID) {
			out = append(out, conv.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// UpdateTitle 重命名会话。
func (s *Service) UpdateTitle(_ context.Context, userID, conversationID int64, title string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	conv.info.Title = strings.TrimSpace(title)
	return conv.info, nil
}

// DeleteConversation removes the conversation and returns who was in it.
func (s *Service) DeleteConversation(_ context.Context, userID, conversationID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return nil, err
	}
	delete(s.conversations, conversationID)
	return append([]int64(nil), conv.participants...), nil
}

// Participants returns the members of a conversation in join order.
func (s *Service) Participants(_ context.Context, userID, conversationID int64) ([]chat.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Participant, 0, len(conv.participants))
	for _, id := range conv.participants {
		out = append(out, chat.Participant{ID: id, Username: s.users[id].Username})
	}
	return out, nil
}

// ParticipantIDs returns member ids without an access check.
func (s *Service) ParticipantIDs(conversationID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]int64(nil), conv.participants...)
}

// IsParticipant 判断用户是否为会话成员。
func (s *Service) IsParticipant(conversationID, userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.lookup(conversationID, userID)
	return err == nil
}

// AddParticipant 邀请用户加入会话。
func (s *Service) AddParticipant(_ context.Context, userID, conversationID, newUserID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return err
	}
	if _, ok := s.users[newUserID]; !ok {
		return ErrUserNotFound
	}
	if conv.hasParticipant(newUserID) {
		return nil
	}
	conv.participants = append(conv.participants, newUserID)
	if len(conv.participants) > 2 {
		conv.info.Type = chat.ConversationGroup
	}
	return nil
}

// RemoveParticipant 移除会话成员。
func (s *Service) RemoveParticipant(_ context.Context, userID, conversationID, removedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return err
	}
	for i, id := range conv.participants {
		if id == removedID {
			conv.participants = append(conv.participants[:i], conv.participants[i+1:]...)
			delete(conv.unread, removedID)
			return nil
		}
	}
	return ErrNotParticipant
}

// SaveMessage stores ev once per message id. created is false for a replay,
// in which case the stored copy is returned.
func (s *Service) SaveMessage(_ context.Context, ev chat.MessageEvent) (stored chat.MessageEvent, created bool, err error) {
	if ev.MessageID == "" {
		return chat.MessageEvent{}, false, ErrMessageIDRequired
	}
	if strings.TrimSpace(ev.Text) == "" {
		return chat.MessageEvent{}, false, ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[ev.ConversationID]
	if !ok {
		return chat.MessageEvent{}, false, ErrConversationNotFound
	}
	if ev.SenderID != chat.AISenderID && !conv.hasParticipant(ev.SenderID) {
		return chat.MessageEvent{}, false, ErrNotParticipant
	}
	if _, dup := conv.index[ev.MessageID]; dup {
		for _, m := range conv.messages {
			if m.MessageID == ev.MessageID {
				return m, false, nil
			}
		}
	}

	if ev.Type == "" {
		ev.Type = chat.TypeText
	}
	if ev.Recipient == "" {
		ev.Recipient = chat.RecipientUsers
	}
	if ev.OccurredAt == "" {
		ev.OccurredAt = s.now().Format(time.RFC3339Nano)
	}
	conv.index[ev.MessageID] = struct{}{}
	conv.messages = append(conv.messages, ev)
	return ev, true, nil
}

// Messages returns one page of history, newest first.
func (s *Service) Messages(_ context.Context, userID, conversationID int64, page, size int) ([]chat.MessageEvent, chat.PageMeta, error) {
	s.mu.RLock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		s.mu.RUnlock()
		return nil, chat.PageMeta{}, err
	}
	newestFirst := make([]chat.MessageEvent, len(conv.messages))
	for i, m := range conv.messages {
		newestFirst[len(conv.messages)-1-i] = m
	}
	s.mu.RUnlock()

	items, meta := paginate(newestFirst, page, size)
	return items, meta, nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *Service) History(conversationID int64, limit int) []chat.MessageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	start := 0
	if limit > 0 && len(conv.messages) > limit {
		start = len(conv.messages) - limit
	}
	return append([]chat.MessageEvent(nil), conv.messages[start:]...)
}

// BufferUnread queues ev for userID until TakeUnread.
func (s *Service) BufferUnread(conversationID, userID int64, ev chat.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	conv.unread[userID] = append(conv.unread[userID], ev)
}

// TakeUnread drains the user's unread buffer, newest first.
func (s *Service) TakeUnread(_ context.Context, userID, conversationID int64) ([]chat.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookup(conversationID, userID)
	if err != nil {
		return nil, err
	}
	buffered := conv.unread[userID]
	delete(conv.unread, userID)

	out := make([]chat.MessageEvent, len(buffered))
	for i, m := range buffered {
		out[len(buffered)-1-i] = m
	}
	return out, nil
}

// SelectFiles replaces a project's file selection.
func (s *Service) SelectFiles(projectID int64, files []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected[projectID] = append([]string{}, files...)
	return append([]string{}, files...)
}

// SelectedFiles 返回项目当前选中的文件。
func (s *Service) SelectedFiles(projectID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.selected[projectID]...)
}

func paginate[T any](all []T, page, size int) ([]T, chat.PageMeta) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	total := (len(all) + size - 1) / size
	start := page * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	items := append([]T{}, all[start:end]...)
	return items, chat.PageMeta{
		Page:          page,
		Size:          size,
		TotalPages:    total,
		TotalElements: int64(len(all)),
	}
}

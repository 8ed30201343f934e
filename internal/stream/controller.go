package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

const (
	DefaultPageSize                 = 20
	DefaultParticipantRetryInterval = time.Second
	DefaultParticipantRetryAttempts = 5

	requestTimeout = 10 * time.Second
)

// Options 描述控制器的参数。
type Options struct {
	ConversationID           int64
	UserID                   int64
	PageSize                 int
	ParticipantRetryInterval time.Duration
	ParticipantRetryAttempts int
	Logger                   zerolog.Logger
	// NewID generates client-side message ids. Defaults to uuid.NewString.
	NewID func() string
}

// Controller owns the state of one open conversation. All mutation happens
// under mu; links are stopped outside it. Frames from a link the controller no
// longer owns are ignored.
type Controller struct {
	opts    Options
	backend Backend
	links   LinkFactory
	logger  zerolog.Logger

	mu           sync.Mutex
	messages     []chat.Message
	index        map[string]struct{}
	provisional  map[string]struct{}
	cursor       Cursor
	loading      bool
	draft        string
	aiWorking    bool
	participants []chat.Participant
	live         Link
	tokens       Link
	retrying     bool
	done         chan struct{}
	closed       bool
	onChange     func()
}

// New creates a controller. Nothing is fetched or dialed until Open.
func New(backend Backend, links LinkFactory, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ParticipantRetryInterval <= 0 {
		opts.ParticipantRetryInterval = DefaultParticipantRetryInterval
	}
	if opts.ParticipantRetryAttempts <= 0 {
		opts.ParticipantRetryAttempts = DefaultParticipantRetryAttempts
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Controller{
		opts:        opts,
		backend:     backend,
		links:       links,
		logger:      opts.Logger.With().Str("component", "stream").Int64("conversation_id", opts.ConversationID).Logger(),
		index:       make(map[string]struct{}),
		provisional: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// ConversationID 返回控制器所属的会话。
func (c *Controller) ConversationID() int64 { return c.opts.ConversationID }

// OnChange registers a callback fired after every state change. It runs on
// the goroutine that caused the change, without the controller lock.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Open loads the newest history page and unread messages, starts the live
// socket and fetches participants. Fetch failures are logged and returned
// joined; the live socket is started regardless.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	var errs []error
	if err := c.LoadMore(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.FetchUnread(ctx); err != nil {
		errs = append(errs, err)
	}

	c.startLive()

	if err := c.RefreshParticipants(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) startLive() {
	c.mu.Lock()
	if c.closed || c.live != nil {
		c.mu.Unlock()
		return
	}
	link := c.links.Messages(c.opts.ConversationID)
	link.OnMessage(func(text string) { c.onLive(link, text) })
	c.live = link
	c.mu.Unlock()

	link.Start()
}

// LoadMore fetches the next older history page and prepends it. It is a
// no-op while a page is loading or once every page has been loaded.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.loading || c.cursor.Exhausted() {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	page := c.cursor.Next
	c.mu.Unlock()

	res, err := c.backend.FetchMessages(ctx, c.opts.ConversationID, page, c.opts.PageSize)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Int("page", page).Msg("load history failed")
		return fmt.Errorf("load page %d: %w", page, err)
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.prependLocked(chat.Reverse(chat.FromEvents(res.Items)))
	c.cursor = Cursor{Next: page + 1, TotalPages: res.Meta.TotalPages, Known: true}
	c.mu.Unlock()

	c.logger.Debug().Int("page", page).Int("items", len(res.Items)).Int("total_pages", res.Meta.TotalPages).Msg("history page loaded")
	c.emit()
	return nil
}

// FetchUnread appends messages buffered by the server while the user was away.
func (c *Controller) FetchUnread(ctx context.Context) error {
	events, err := c.backend.FetchUnread(ctx, c.opts.ConversationID)
	if err != nil {
		c.logger.Error().Err(err).Msg("fetch unread failed")
		return fmt.Errorf("fetch unread: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	added := 0
	for _, msg := range chat.Reverse(chat.FromEvents(events)) {
		if c.appendLocked(msg) {
			added++
		}
	}
	c.mu.Unlock()

	if added > 0 {
		c.emit()
	}
	return nil
}

// RefreshParticipants reloads the member list. While the list is empty a
// bounded background retry keeps polling.
func (c *Controller) RefreshParticipants(ctx context.Context) error {
	list, err := c.backend.FetchParticipants(ctx, c.opts.ConversationID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("fetch participants failed")
		c.startParticipantRetry()
		return fmt.Errorf("fetch participants: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.participants = append([]chat.Participant(nil), list...)
	c.mu.Unlock()

	c.emit()
	if len(list) == 0 {
		c.startParticipantRetry()
	}
	return nil
}

func (c *Controller) startParticipantRetry() {
	c.mu.Lock()
	if c.closed || c.retrying || len(c.participants) > 0 {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()

	go c.participantRetryLoop()
}

func (c *Controller) participantRetryLoop() {
	ticker := time.NewTicker(c.opts.ParticipantRetryInterval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.opts.ParticipantRetryAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		list, err := c.backend.FetchParticipants(ctx, c.opts.ConversationID)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("participant retry failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.participants = append([]chat.Participant(nil), list...)
		c.mu.Unlock()
		c.emit()

		if len(list) > 0 {
			return
		}
	}
}

// Send transmits text on the live socket after adding it optimistically. When
// toAI is set the running generation is stopped first and a fresh token
// stream is opened. A failed transmit rolls the optimistic entry back.
func (c *Controller) Send(ctx context.Context, text string, toAI bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	recipient := chat.RecipientUsers
	if toAI {
		recipient = chat.RecipientAI
		// the stop must reach the backend before the new question does
		c.stop(ctx, true)
	}

	c.mu.Lock()
	live := c.live
	if live == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ev := chat.MessageEvent{
		MessageID:      c.opts.NewID(),
		ConversationID: c.opts.ConversationID,
		SenderID:       c.opts.UserID,
		Text:           text,
		Type:           chat.TypeText,
		Recipient:      recipient,
	}
	c.appendLocked(ev.ToMessage())
	c.provisional[ev.MessageID] = struct{}{}
	c.mu.Unlock()
	c.emit()

	var tokens Link
	if toAI {
		tokens = c.openTokens()
	}

	frame, err := json.Marshal(ev)
	if err == nil {
		err = live.Send(string(frame))
	}
	if err != nil {
		c.rollback(ev.MessageID)
		c.retireTokens(tokens)
		c.logger.Warn().Err(err).Str("message_id", ev.MessageID).Msg("send failed, optimistic message removed")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.logger.Debug().Str("message_id", ev.MessageID).Str("recipient", string(recipient)).Msg("message sent")
	return nil
}

func (c *Controller) rollback(id string) {
	c.mu.Lock()
	if _, ok := c.provisional[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.provisional, id)
	delete(c.index, id)
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.emit()
}

// openTokens replaces the token link and returns the new one, or nil once the
// controller is closed.
func (c *Controller) openTokens() Link {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	link := c.links.Tokens(c.opts.ConversationID)
	link.OnMessage(func(text string) { c.onToken(link, text) })
	stale := c.tokens
	c.tokens = link
	c.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	link.Start()
	return link
}

// retireTokens stops link if it is still the current token link.
func (c *Controller) retireTokens(link Link) {
	if link == nil {
		return
	}
	c.mu.Lock()
	current := c.tokens == link
	if current {
		c.tokens = nil
		c.aiWorking = false
	}
	c.mu.Unlock()

	if current {
		link.Stop()
	}
}

// StopAI cancels the running generation. The backend is asked to stop in the
// background and its failure is ignored; a non-empty draft is committed as an
// AI message.
func (c *Controller) StopAI(ctx context.Context) {
	c.stop(ctx, false)
}

func (c *Controller) stop(ctx context.Context, wait bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stale := c.tokens
	c.tokens = nil
	draft := c.draft
	c.draft = ""
	c.aiWorking = false
	if draft != "" {
		c.appendLocked(chat.Message{
			ID:        c.opts.NewID(),
			Sender:    chat.AISender,
			Text:      draft,
			Recipient: chat.RecipientAI,
		})
	}
	c.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}

	request := func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		if err := c.backend.StopAI(stopCtx, c.opts.ConversationID); err != nil {
			c.logger.Debug().Err(err).Msg("stop ai request failed")
		}
	}
	if wait {
		request()
	} else {
		go request()
	}

	if draft != "" {
		c.logger.Info().Int("chars", len(draft)).Msg("partial ai answer committed")
	}
	c.emit()
}

func (c *Controller) onLive(link Link, text string) {
	var ev chat.MessageEvent
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		c.logger.Warn().Err(err).Msg("malformed live frame dropped")
		return
	}
	if ev.MessageID == "" {
		c.logger.Warn().Msg("live frame without message id dropped")
		return
	}

	c.mu.Lock()
	if c.closed || c.live != link {
		c.mu.Unlock()
		return
	}
	c.appendLocked(ev.ToMessage())
	var stale Link
	if ev.SenderID == chat.AISenderID {
		stale = c.tokens
		c.tokens = nil
		c.draft = ""
		c.aiWorking = false
	}
	c.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	c.emit()
}

func (c *Controller) onToken(link Link, text string) {
	c.mu.Lock()
	if c.closed || c.tokens != link {
		c.mu.Unlock()
		return
	}
	if text == EndOfStream {
		c.tokens = nil
		c.aiWorking = false
		c.mu.Unlock()
		link.Stop()
		c.emit()
		return
	}
	c.draft += text
	c.aiWorking = true
	c.mu.Unlock()

	c.emit()
}

// appendLocked adds msg unless its id is known. A known provisional id is
// confirmed instead; the first content wins.
func (c *Controller) appendLocked(msg chat.Message) bool {
	if _, ok := c.index[msg.ID]; ok {
		delete(c.provisional, msg.ID)
		return false
	}
	c.index[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	return true
}

func (c *Controller) prependLocked(batch []chat.Message) {
	fresh := make([]chat.Message, 0, len(batch))
	for _, msg := range batch {
		if _, ok := c.index[msg.ID]; ok {
			delete(c.provisional, msg.ID)
			continue
		}
		c.index[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return
	}
	c.messages = append(fresh, c.messages...)
}

// Messages returns the committed list plus a trailing draft entry while an AI
// answer is streaming.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesLocked()
}

func (c *Controller) messagesLocked() []chat.Message {
	out := make([]chat.Message, len(c.messages), len(c.messages)+1)
	copy(out, c.messages)
	if c.draft != "" {
		out = append(out, chat.Message{
			ID:        chat.DraftID,
			Sender:    chat.AISender,
			Text:      c.draft,
			Recipient: chat.RecipientAI,
		})
	}
	return out
}

// Snapshot 返回当前状态的副本。
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Messages:     c.messagesLocked(),
		Participants: append([]chat.Participant(nil), c.participants...),
		Draft:        c.draft,
		AIWorking:    c.aiWorking,
		Cursor:       c.cursor,
		Pending:      len(c.provisional),
	}
}

// Close stops both sockets and the participant retry. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	live, tokens := c.live, c.tokens
	c.live, c.tokens = nil, nil
	c.onChange = nil
	close(c.done)
	c.mu.Unlock()

	if live != nil {
		live.Stop()
	}
	if tokens != nil {
		tokens.Stop()
	}
	c.logger.Debug().Msg("controller closed")
}

func (c *Controller) emit() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Package stream routes chat frames between sockets and drives AI generations.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	aiService "github.com/zhouzirui/z-tavern/chatsync/internal/service/ai"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/hub"
)

// 推送给客户端的固定文本帧。
const (
	FrameNewMessage       = "new-message"
	FrameDeleted          = "deleted"
	FrameDone             = "[DONE]"
	FrameMessageProcessed = "Message Processed"
)

const (
	historyWindow  = 10
	failureMessage = "AI is unavailable right now."
)

var ErrMalformedFrame = errors.New("malformed message frame")

// Broadcaster is the part of the hub the handler writes to.
type Broadcaster interface {
	Broadcast(topic, text string) int
	SendTo(topic string, userID int64, text string) int
}

type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Handler persists incoming messages, fans them out and runs AI answers.
type Handler struct {
	chatSvc *chatService.Service
	ai      aiService.Streamer
	out     Broadcaster

	mu          sync.Mutex
	generations map[int64]*generation
}

// New creates a new stream handler
func New(ai aiService.Streamer, chatSvc *chatService.Service, out Broadcaster) *Handler {
	return &Handler{
		chatSvc:     chatSvc,
		ai:          ai,
		out:         out,
		generations: make(map[int64]*generation),
	}
}

// HandleIncoming processes one frame read from a messages socket.
func (h *Handler) HandleIncoming(ctx context.Context, userID, conversationID int64, raw []byte) error {
	var ev chat.MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	ev.ConversationID = conversationID
	ev.SenderID = userID
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}

	stored, created, err := h.publish(ctx, ev)
	if err != nil {
		return err
	}
	h.out.Broadcast(hub.NotificationsTopic(userID), FrameMessageProcessed)

	if created && stored.Recipient == chat.RecipientAI {
		h.Generate(conversationID, stored.Text)
	}
	return nil
}

// publish stores ev and fans it out once. Replays are neither rebroadcast nor
// buffered again.
func (h *Handler) publish(ctx context.Context, ev chat.MessageEvent) (chat.MessageEvent, bool, error) {
	stored, created, err := h.chatSvc.SaveMessage(ctx, ev)
	if err != nil || !created {
		return stored, created, err
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return stored, created, fmt.Errorf("encode message: %w", err)
	}
	h.out.Broadcast(hub.MessagesTopic(stored.ConversationID), string(payload))

	for _, pid := range h.chatSvc.ParticipantIDs(stored.ConversationID) {
		if pid == stored.SenderID {
			continue
		}
		h.chatSvc.BufferUnread(stored.ConversationID, pid, stored)
		h.out.SendTo(hub.NotifyTopic(stored.ConversationID), pid, FrameNewMessage)
	}
	return stored, true, nil
}

// Generate starts an AI answer for conversationID, cancelling any answer
// already running there.
func (h *Handler) Generate(conversationID int64, query string) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	prev := h.generations[conversationID]
	h.generations[conversationID] = gen
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go h.run(ctx, conversationID, gen, query)
}

// Stop cancels the running answer of conversationID. Partial output is dropped.
func (h *Handler) Stop(conversationID int64) bool {
	h.mu.Lock()
	gen, ok := h.generations[conversationID]
	delete(h.generations, conversationID)
	h.mu.Unlock()

	if !ok {
		return false
	}
	gen.cancel()
	<-gen.done
	log.Info().Int64("conversation", conversationID).Msg("ai generation stopped")
	return true
}

// Close cancels every running answer.
func (h *Handler) Close() {
	h.mu.Lock()
	running := h.generations
	h.generations = make(map[int64]*generation)
	h.mu.Unlock()

	for _, gen := range running {
		gen.cancel()
		<-gen.done
	}
}

func (h *Handler) run(ctx context.Context, conversationID int64, gen *generation, query string) {
	defer close(gen.done)
	defer h.release(conversationID, gen)

	tokens := hub.TokensTopic(conversationID)
	text, err := h.collect(ctx, conversationID, tokens, query)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("conversation", conversationID).Msg("ai generation failed")
		text = failureMessage
	}

	h.out.Broadcast(tokens, FrameDone)

	answer := chat.MessageEvent{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       chat.AISenderID,
		Text:           text,
		Type:           chat.TypeText,
		Recipient:      chat.RecipientUsers,
	}
	if _, _, err := h.publish(ctx, answer); err != nil {
		log.Error().Err(err).Int64("conversation", conversationID).Msg("failed to save ai message")
	}
}

func (h *Handler) collect(ctx context.Context, conversationID int64, topic, query string) (string, error) {
	history := h.chatSvc.History(conversationID, historyWindow+1)
	// the triggering message is the query itself
	if n := len(history); n > 0 && history[n-1].Text == query {
		history = history[:n-1]
	}

	stream, err := h.ai.Stream(ctx, history, query)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive ai chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		chunks = append(chunks, chunk)
		h.out.Broadcast(topic, chunk.Content)
	}

	if len(chunks) == 0 {
		return "", errors.New("empty ai response")
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat ai chunks: %w", err)
	}
	return full.Content, nil
}

func (h *Handler) release(conversationID int64, gen *generation) {
	h.mu.Lock()
	if h.generations[conversationID] == gen {
		delete(h.generations, conversationID)
	}
	h.mu.Unlock()
	gen.cancel()
}

// ConversationDeleted tells the conversation's sockets and every former
// participant that it is gone.
func (h *Handler) ConversationDeleted(conversationID int64, participants []int64) {
	h.Stop(conversationID)
	h.out.Broadcast(hub.NotifyTopic(conversationID), FrameDeleted)
	notice := fmt.Sprintf("Conversation deleted: %d", conversationID)
	for _, pid := range participants {
		h.out.Broadcast(hub.NotificationsTopic(pid), notice)
	}
}

// FilesSelected pushes a project's new selection to its selected-files sockets.
func (h *Handler) FilesSelected(projectID int64, files []string) {
	if files == nil {
		files = []string{}
	}
	payload, err := json.Marshal(files)
	if err != nil {
		log.Error().Err(err).Int64("project", projectID).Msg("failed to encode selected files")
		return
	}
	h.out.Broadcast(hub.SelectedFilesTopic(projectID), string(payload))
}

package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

const historyLimit = 10

const systemPrompt = "You are the AI assistant of a shared chat room. Several people may read your answer. " +
	"Answer the latest question directly and keep code in fenced blocks."

// Streamer produces an answer as a stream of message chunks.
type Streamer interface {
	Stream(ctx context.Context, history []chat.MessageEvent, query string) (*schema.StreamReader[*schema.Message], error)
}

// Service encapsulates AI-powered chat functionality
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel)
}

// NewServiceWithModel builds the prompt chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chatModel: chatModel, chain: runnable}, nil
}

// Stream streams AI response chunks via the configured chain.
func (s *Service) Stream(ctx context.Context, history []chat.MessageEvent, query string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, buildChainInput(history, query))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	log.Debug().Int("history", len(history)).Msg("ai stream started")
	return stream, nil
}

func buildChainInput(history []chat.MessageEvent, query string) map[string]any {
	return map[string]any{
		"system":  systemPrompt,
		"history": buildHistoryMessages(history),
		"query":   query,
	}
}

func buildHistoryMessages(messages []chat.MessageEvent) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		if msg.SenderID == chat.AISenderID {
			history = append(history, schema.AssistantMessage(msg.Text, nil))
			continue
		}
		history = append(history, schema.UserMessage(msg.Text))
	}
	return history
}

// Echo 在未配置 Ark 凭证时使用，逐词回显用户输入。
type Echo struct {
	Delay time.Duration
}

// Stream emits "Echo: <query>" one word per chunk.
func (e Echo) Stream(ctx context.Context, _ []chat.MessageEvent, query string) (*schema.StreamReader[*schema.Message], error) {
	words := strings.Fields("Echo: " + query)
	if e.Delay <= 0 {
		chunks := make([]*schema.Message, 0, len(words))
		for i, w := range words {
			chunks = append(chunks, schema.AssistantMessage(spaced(i, w), nil))
		}
		return schema.StreamReaderFromArray(chunks), nil
	}

	sr, sw := schema.Pipe[*schema.Message](len(words))
	go func() {
		defer sw.Close()
		for i, w := range words {
			select {
			case <-ctx.Done():
				sw.Send(nil, ctx.Err())
				return
			case <-time.After(e.Delay):
			}
			if closed := sw.Send(schema.AssistantMessage(spaced(i, w), nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func spaced(i int, word string) string {
	if i == 0 {
		return word
	}
	return " " + word
}

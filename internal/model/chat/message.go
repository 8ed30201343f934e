package chat

import (
	"strconv"
)

// Recipient routes a message either to the human participants or to the AI assistant.
type Recipient string

const (
	RecipientUsers Recipient = "USERS"
	RecipientAI    Recipient = "AI"
)

const (
	// AISenderID is the reserved participant id of the AI assistant.
	AISenderID int64 = -1

	// DraftID marks the synthetic trailing entry that carries an in-progress AI answer.
	// It is never stored in a committed message list.
	DraftID = "draft"

	// TypeText is the only message type the client sends.
	TypeText = "TEXT"
)

// AISender is AISenderID rendered the way Message.Sender stores it.
var AISender = strconv.FormatInt(AISenderID, 10)

// Message is one committed entry of a conversation view. ID is the dedup key.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Recipient Recipient `json:"recipient,omitempty"`
}

// FromAI reports whether the message was authored by the AI assistant.
func (m Message) FromAI() bool {
	return m.Sender == AISender
}

// MessageEvent is the wire form of a message on the live socket and in history pages.
type MessageEvent struct {
	MessageID        string    `json:"messageId"`
	ConversationID   int64     `json:"conversationId"`
	SenderID         int64     `json:"senderId"`
	Text             string    `json:"text"`
	Type             string    `json:"type,omitempty"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
	Recipient        Recipient `json:"recipient"`
	OccurredAt       string    `json:"occurredAt,omitempty"`
}

// ToMessage maps the wire event onto the view model.
func (e MessageEvent) ToMessage() Message {
	return Message{
		ID:        e.MessageID,
		Sender:    strconv.FormatInt(e.SenderID, 10),
		Text:      e.Text,
		Recipient: e.Recipient,
	}
}

// FromEvents maps a batch of events, preserving order.
func FromEvents(events []MessageEvent) []Message {
	out := make([]Message, 0, len(events))
	for _, e := range events {
		out = append(out, e.ToMessage())
	}
	return out
}

// Reverse returns a reversed copy of messages. History endpoints answer newest first.
func Reverse(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[len(messages)-1-i] = m
	}
	return out
}

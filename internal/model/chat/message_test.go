package chat

import "testing"

func TestMessageEventToMessage(t *testing.T) {
	ev := MessageEvent{MessageID: "m1", ConversationID: 7, SenderID: AISenderID, Text: "hi", Recipient: RecipientAI}
	msg := ev.ToMessage()
	if msg.ID != "m1" || msg.Sender != "-1" || msg.Text != "hi" || msg.Recipient != RecipientAI {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !msg.FromAI() {
		t.Fatal("expected AI sender")
	}
}

func TestReverseKeepsInput(t *testing.T) {
	in := []Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	out := Reverse(in)
	if out[0].ID != "c" || out[2].ID != "a" {
		t.Fatalf("unexpected order: %+v", out)
	}
	if in[0].ID != "a" {
		t.Fatal("input was mutated")
	}
}

func TestPartitionConversationsDisjoint(t *testing.T) {
	pid := int64(3)
	items := []Conversation{{ID: 1}, {ID: 2, ProjectID: &pid}, {ID: 3}}
	unscoped, scoped := PartitionConversations(items)
	if len(unscoped) != 2 || len(scoped) != 1 {
		t.Fatalf("unexpected partition: %d/%d", len(unscoped), len(scoped))
	}
	if scoped[0].ID != 2 {
		t.Fatalf("unexpected scoped entry: %+v", scoped[0])
	}
}

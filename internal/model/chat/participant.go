package chat

// Participant is a member of a conversation. Membership may change mid-session.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// ConversationType distinguishes one-to-one chats from group chats.
type ConversationType string

const (
	ConversationPrivate ConversationType = "PRIVATE"
	ConversationGroup   ConversationType = "GROUP"
)

// Conversation is a chat thread. ProjectID is set for project-scoped conversations.
type Conversation struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	Type      ConversationType `json:"type"`
	ProjectID *int64           `json:"projectId,omitempty"`
}

// Scoped reports whether the conversation belongs to a project.
func (c Conversation) Scoped() bool {
	return c.ProjectID != nil
}

// PartitionConversations splits items into the unscoped list and the project-scoped list.
// The two results never share an entry.
func PartitionConversations(items []Conversation) (unscoped, scoped []Conversation) {
	for _, c := range items {
		if c.Scoped() {
			scoped = append(scoped, c)
		} else {
			unscoped = append(unscoped, c)
		}
	}
	return unscoped, scoped
}

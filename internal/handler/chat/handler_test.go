package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
)

type fakeEvents struct {
	stopped  []int64
	deleted  map[int64][]int64
	selected map[int64][]string
}

func (f *fakeEvents) Stop(conversationID int64) bool {
	f.stopped = append(f.stopped, conversationID)
	return false
}

func (f *fakeEvents) ConversationDeleted(conversationID int64, participants []int64) {
	f.deleted[conversationID] = participants
}

func (f *fakeEvents) FilesSelected(projectID int64, files []string) {
	f.selected[projectID] = files
}

type onlineSet map[int64]bool

func (o onlineSet) Online(userID int64) bool { return o[userID] }

func setupRouter() (*chi.Mux, *chatservice.Service, *fakeEvents) {
	chatSvc := chatservice.NewService()
	events := &fakeEvents{deleted: map[int64][]int64{}, selected: map[int64][]string{}}
	handler := New(chatSvc, events, onlineSet{1: true})

	r := chi.NewRouter()
	r.Use(middleware.Auth(func(token string) (int64, error) {
		user, err := chatSvc.Authenticate(token)
		return user.ID, err
	}))
	handler.RegisterRoutes(r)
	return r, chatSvc, events
}

func do(t *testing.T, r http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) chat.Envelope[T] {
	t.Helper()
	var env chat.Envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return env
}

func TestCreateAndListConversations(t *testing.T) {
	r, _, _ := setupRouter()

	resp := do(t, r, http.MethodPost, "/conversations", "alice-token", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	created := decode[chat.Conversation](t, resp)
	if !created.Success || created.Data.ID == 0 {
		t.Fatalf("unexpected envelope: %+v", created)
	}

	resp = do(t, r, http.MethodGet, "/conversations?page=0&size=10", "alice-token", nil)
	list := decode[[]chat.Conversation](t, resp)
	if len(list.Data) != 1 || list.Meta == nil || list.Meta.TotalPages != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp = do(t, r, http.MethodGet, "/conversations", "bob-token", nil)
	if other := decode[[]chat.Conversation](t, resp); len(other.Data) != 0 {
		t.Fatalf("bob must not see alice's conversation: %+v", other.Data)
	}
}

func TestRenameAndDeleteConversation(t *testing.T) {
	r, chatSvc, events := setupRouter()
	conv, _ := chatSvc.CreateConversation(testContext(t), 1, nil)

	resp := do(t, r, http.MethodPut, "/conversations/1", "alice-token", map[string]string{"title": "Roadmap"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if env := decode[chat.Conversation](t, resp); env.Data.Title != "Roadmap" {
		t.Fatalf("unexpected title %q", env.Data.Title)
	}

	resp = do(t, r, http.MethodDelete, "/conversations/1", "bob-token", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", resp.Code)
	}

	resp = do(t, r, http.MethodDelete, "/conversations/1", "alice-token", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := events.deleted[conv.ID]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected delete event: %v", got)
	}

	resp = do(t, r, http.MethodGet, "/conversations/1/messages", "alice-token", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
	if env := decode[any](t, resp); env.Success || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestParticipantsAndStop(t *testing.T) {
	r, chatSvc, events := setupRouter()
	conv, _ := chatSvc.CreateConversation(testContext(t), 1, nil)

	resp := do(t, r, http.MethodPost, "/conversations/1/participants?userId=2", "alice-token", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = do(t, r, http.MethodGet, "/conversations/1/participants", "bob-token", nil)
	env := decode[[]chat.Participant](t, resp)
	if len(env.Data) != 2 || !env.Data[0].Online || env.Data[1].Online {
		t.Fatalf("unexpected participants: %+v", env.Data)
	}

	resp = do(t, r, http.MethodPost, "/conversations/1/stop", "bob-token", nil)
	if resp.Code != http.StatusOK || len(events.stopped) != 1 || events.stopped[0] != conv.ID {
		t.Fatalf("unexpected stop: %d %v", resp.Code, events.stopped)
	}

	resp = do(t, r, http.MethodDelete, "/conversations/1/participants/2", "alice-token", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = do(t, r, http.MethodGet, "/conversations/1/messages/unread", "bob-token", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after removal, got %d", resp.Code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	r, _, events := setupRouter()

	resp := do(t, r, http.MethodPost, "/projects/4/conversation", "alice-token", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	resp = do(t, r, http.MethodGet, "/projects/4/conversation", "alice-token", nil)
	if env := decode[[]chat.Conversation](t, resp); len(env.Data) != 1 || !env.Data[0].Scoped() {
		t.Fatalf("unexpected project conversations: %+v", env.Data)
	}

	resp = do(t, r, http.MethodPost, "/projects/4/selected-files", "alice-token", []string{"main.go"})
	if resp.Code != http.StatusOK || len(events.selected[4]) != 1 {
		t.Fatalf("unexpected select: %d %v", resp.Code, events.selected)
	}
	resp = do(t, r, http.MethodGet, "/projects/4/selected-files", "bob-token", nil)
	if env := decode[[]string](t, resp); len(env.Data) != 1 || env.Data[0] != "main.go" {
		t.Fatalf("unexpected selection: %+v", env.Data)
	}

	resp = do(t, r, http.MethodPost, "/projects/4/selected-files", "alice-token", map[string]string{"x": "y"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-array body, got %d", resp.Code)
	}
}

func TestRequiresToken(t *testing.T) {
	r, _, _ := setupRouter()
	resp := do(t, r, http.MethodGet, "/conversations", "wrong", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context cancelled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer alice-token" {
				writeJSON(w, http.StatusUnauthorized, chat.Envelope[any]{Error: &chat.APIError{Code: "UNAUTHORIZED", Message: "missing token"}})
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("page") != "0" || req.URL.Query().Get("size") != "20" {
			t.Errorf("unexpected query: %s", req.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, chat.Envelope[[]chat.MessageEvent]{
			Success: true,
			Data:    []chat.MessageEvent{{MessageID: "m2", SenderID: 1, Text: "b"}, {MessageID: "m1", SenderID: 2, Text: "a"}},
			Meta:    &chat.PageMeta{Page: 0, Size: 20, TotalPages: 3},
		})
	})
	r.Put("/conversations/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		writeJSON(w, http.StatusOK, chat.Envelope[chat.Conversation]{Success: true, Data: chat.Conversation{ID: 5, Title: body.Title}})
	})
	r.Post("/conversations/{id}/stop", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, chat.Envelope[any]{Error: &chat.APIError{Code: "NOT_FOUND", Message: "no generation"}})
	})
	r.Post("/projects/{id}/selected-files", func(w http.ResponseWriter, req *http.Request) {
		var files []string
		if err := json.NewDecoder(req.Body).Decode(&files); err != nil || len(files) != 2 {
			t.Errorf("unexpected selected-files body: %v %v", files, err)
		}
		writeJSON(w, http.StatusOK, chat.Envelope[any]{Success: true})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchMessages(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "alice-token")

	page, err := c.FetchMessages(context.Background(), 5, 0, 20)
	if err != nil {
		t.Fatalf("FetchMessages err: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].MessageID != "m2" {
		t.Fatalf("unexpected items: %+v", page.Items)
	}
	if page.Meta.TotalPages != 3 {
		t.Fatalf("unexpected meta: %+v", page.Meta)
	}
}

func TestUpdateConversation(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL+"/", "alice-token")

	conv, err := c.UpdateConversation(context.Background(), 5, "Roadmap")
	if err != nil {
		t.Fatalf("UpdateConversation err: %v", err)
	}
	if conv.ID != 5 || conv.Title != "Roadmap" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "alice-token")

	err := c.StopAI(context.Background(), 5)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestUnauthorized(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "wrong")

	_, err := c.FetchMessages(context.Background(), 5, 0, 20)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestSendSelectedFiles(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "alice-token")

	if err := c.SendSelectedFiles(context.Background(), 3, []string{"main.go", "go.mod"}); err != nil {
		t.Fatalf("SendSelectedFiles err: %v", err)
	}
}

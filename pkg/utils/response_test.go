package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

func TestRespondPage(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondPage(rec, []string{"a"}, chat.PageMeta{Page: 1, Size: 1, TotalPages: 3})

	var env chat.Envelope[[]string]
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !env.Success || len(env.Data) != 1 || env.Meta == nil || env.Meta.TotalPages != 3 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "NOT_FOUND", "conversation not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var env chat.Envelope[json.RawMessage]
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if env.Success || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

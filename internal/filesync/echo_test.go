package filesync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakeLink struct {
	handler func(string)
	started bool
	stopped bool
}

func (l *fakeLink) OnMessage(h func(string)) { l.handler = h }
func (l *fakeLink) Start()                   { l.started = true }
func (l *fakeLink) Stop()                    { l.stopped = true }

type fakeBackend struct {
	seed     []string
	seedErr  error
	sent     [][]string
	sendErr  error
	sawStart *fakeLink
}

func (b *fakeBackend) FetchSelectedFiles(context.Context, int64) ([]string, error) {
	if b.sawStart != nil && b.sawStart.started {
		return nil, errors.New("seed requested after socket start")
	}
	return b.seed, b.seedErr
}

func (b *fakeBackend) SendSelectedFiles(_ context.Context, _ int64, files []string) error {
	b.sent = append(b.sent, files)
	return b.sendErr
}

func TestEchoSeedsThenFollowsFrames(t *testing.T) {
	link := &fakeLink{}
	backend := &fakeBackend{seed: []string{"README.md"}, sawStart: link}
	e := New(3, link, backend, zerolog.Nop())

	changes := 0
	e.OnChange(func() { changes++ })
	e.Start(context.Background())

	if !link.started {
		t.Fatal("link not started")
	}
	if got := e.Visible(); len(got) != 1 || got[0] != "README.md" {
		t.Fatalf("unexpected seed: %v", got)
	}

	link.handler(`["src/main.go","go.mod"]`)
	link.handler(`{"not":"a list"}`)

	got := e.Visible()
	if len(got) != 2 || got[0] != "src/main.go" || got[1] != "go.mod" {
		t.Fatalf("unexpected selection: %v", got)
	}
	if changes != 2 {
		t.Fatalf("OnChange fired %d times, want 2", changes)
	}

	e.Stop()
	if !link.stopped {
		t.Fatal("link not stopped")
	}
}

func TestEchoSeedFailureIsIgnored(t *testing.T) {
	link := &fakeLink{}
	e := New(3, link, &fakeBackend{seedErr: errors.New("offline")}, zerolog.Nop())
	e.Start(context.Background())

	if !link.started {
		t.Fatal("link must start even when seeding fails")
	}
	if len(e.Visible()) != 0 {
		t.Fatalf("unexpected selection: %v", e.Visible())
	}
}

func TestSelectKeepsLocalSetOnPublishFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("503")}
	e := New(3, &fakeLink{}, backend, zerolog.Nop())

	if err := e.Select(context.Background(), []string{"a.go"}); err == nil {
		t.Fatal("expected publish error")
	}
	if got := e.Visible(); len(got) != 1 || got[0] != "a.go" {
		t.Fatalf("local selection lost: %v", got)
	}
	if len(backend.sent) != 1 || backend.sent[0][0] != "a.go" {
		t.Fatalf("unexpected publish: %v", backend.sent)
	}
}

func TestPushSendsLocalSelectionNotEchoedOne(t *testing.T) {
	link := &fakeLink{}
	backend := &fakeBackend{}
	e := New(3, link, backend, zerolog.Nop())

	if err := e.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("push before any selection published %v", backend.sent)
	}

	if err := e.Select(context.Background(), []string{"mine.go"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	link.handler(`["theirs.go"]`)

	if got := e.Visible(); len(got) != 1 || got[0] != "theirs.go" {
		t.Fatalf("visible should follow frames: %v", got)
	}
	if err := e.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("expected 2 publishes, got %v", backend.sent)
	}
	if last := backend.sent[1]; len(last) != 1 || last[0] != "mine.go" {
		t.Fatalf("push sent %v, want the local selection", last)
	}
}

func TestFramesAfterStopAreIgnored(t *testing.T) {
	link := &fakeLink{}
	e := New(3, link, &fakeBackend{}, zerolog.Nop())
	changes := 0
	e.OnChange(func() { changes++ })

	e.Stop()
	link.handler(`["late.go"]`)

	if len(e.Visible()) != 0 {
		t.Fatalf("frame after Stop applied: %v", e.Visible())
	}
	if changes != 0 {
		t.Fatalf("OnChange fired %d times after Stop", changes)
	}
}

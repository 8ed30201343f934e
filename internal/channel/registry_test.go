package channel

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistryLifecycle(t *testing.T) {
	dialer := &failingDialer{}
	built := 0
	reg := NewRegistry(func(id int64) *Channel {
		built++
		// no credential: Start stays idle, so nothing dials
		return New(dialer, Options{Path: "/notify", Logger: zerolog.Nop()})
	})

	a := reg.Acquire(1)
	if again := reg.Acquire(1); again != a {
		t.Fatal("Acquire must return the existing channel")
	}
	reg.Acquire(2)

	if built != 2 || reg.Len() != 2 {
		t.Fatalf("built=%d len=%d, want 2/2", built, reg.Len())
	}

	if !reg.Release(1) {
		t.Fatal("Release(1) = false")
	}
	if a.State() != StateClosed {
		t.Fatalf("released channel state = %s, want closed", a.State())
	}
	if _, ok := reg.Get(1); ok {
		t.Fatal("released channel still registered")
	}
	if reg.Release(1) {
		t.Fatal("second Release(1) = true")
	}

	b, _ := reg.Get(2)
	reg.CloseAll()
	if reg.Len() != 0 || b.State() != StateClosed {
		t.Fatalf("CloseAll left len=%d state=%s", reg.Len(), b.State())
	}
	if dialer.calls.Load() != 0 {
		t.Fatalf("unexpected dials: %d", dialer.calls.Load())
	}
}

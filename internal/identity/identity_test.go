package identity

import (
	"sync"
	"testing"

	"github.com/driftlock/driftlock/internal/errors"
)

func newTestMap(t *testing.T, classes ...string) *Map {
	t.Helper()
	reg := NewRegistry()
	for _, c := range classes {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register(%q) failed: %v", c, err)
		}
	}
	return NewMap(reg)
}

func TestResolve_SameInstance(t *testing.T) {
	m := newTestMap(t, "Player")

	first, err := m.Resolve("Player", "abc123")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := m.Resolve("Player", "abc123")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if first != second {
		t.Error("two resolves of the same key must return the same instance")
	}
	if first.ObjectID() != "abc123" {
		t.Errorf("ObjectID = %q, want abc123", first.ObjectID())
	}
}

func TestResolve_UnregisteredClass(t *testing.T) {
	m := newTestMap(t, "Player")

	_, err := m.Resolve("Ghost", "abc123")
	if !errors.Is(err, errors.ErrProgrammer) {
		t.Errorf("resolving unregistered class should be PROGRAMMER error, got %v", err)
	}
}

func TestResolve_ClassConflict(t *testing.T) {
	m := newTestMap(t, "Player", "Team")

	if _, err := m.Resolve("Player", "abc123"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	_, err := m.Resolve("Team", "abc123")
	if !errors.Is(err, errors.ErrProgrammer) {
		t.Errorf("cross-class resolve of one ID should be PROGRAMMER error, got %v", err)
	}
}

func TestResolve_ConcurrentPublishOnce(t *testing.T) {
	m := newTestMap(t, "Player")

	const goroutines = 32
	results := make([]any, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			e, err := m.Resolve("Player", "contended")
			if err != nil {
				results[i] = err
				return
			}
			results[i] = e
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, r := range results {
		if r != first {
			t.Fatalf("result %d differs: concurrent resolves produced distinct instances", i)
		}
	}
	if m.Len() != 1 {
		t.Errorf("map holds %d entries, want 1", m.Len())
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("Player"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register("Player"); !errors.Is(err, errors.ErrProgrammer) {
		t.Errorf("duplicate registration should be PROGRAMMER error, got %v", err)
	}

	reg.Reset()
	if reg.Registered("Player") {
		t.Error("Reset should clear registrations")
	}
}

func TestFork_NotRegisteredUntilPromoted(t *testing.T) {
	m := newTestMap(t, "Player")

	e, err := m.Fork("Player")
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if e.ObjectID() != "" {
		t.Error("forked entity should have no objectID")
	}
	if m.Len() != 0 {
		t.Error("forked entity must not be in the map")
	}

	if err := e.SetObjectID("srv1"); err != nil {
		t.Fatalf("SetObjectID failed: %v", err)
	}
	if err := m.Promote(e); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	resolved, err := m.Resolve("Player", "srv1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != e {
		t.Error("Resolve after Promote must return the promoted instance")
	}
}

func TestPromote_DuplicateInstance(t *testing.T) {
	m := newTestMap(t, "Player")

	first, err := m.Resolve("Player", "srv1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	dup, err := m.Fork("Player")
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := dup.SetObjectID("srv1"); err != nil {
		t.Fatalf("SetObjectID failed: %v", err)
	}

	if err := m.Promote(dup); !errors.Is(err, errors.ErrProgrammer) {
		t.Errorf("promoting a duplicate should be PROGRAMMER error, got %v", err)
	}

	// Promote of the registered instance itself is a no-op.
	if err := m.Promote(first); err != nil {
		t.Errorf("promoting the canonical instance should succeed: %v", err)
	}
}

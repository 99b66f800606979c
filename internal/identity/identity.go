// Package identity keeps one canonical in-memory instance per remote
// object, so two references to the same (class, objectID) are always the
// same *entity.Entity.
package identity

import (
	"fmt"
	"sync"

	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
)

// Registry maps class names an application has declared. It replaces the
// global class-constructor registries of typical BaaS SDKs with an
// explicit object constructed at startup and resettable in tests.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]bool
}

// NewRegistry returns an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]bool)}
}

// Register declares a class name. Registering the same name twice is a
// programmer error: the tie-break between competing registrations is
// deliberately undefined, so we refuse the second one outright.
func (r *Registry) Register(className string) error {
	if className == "" {
		return errors.NewProgrammer("class name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.classes[className] {
		return errors.NewProgrammer(fmt.Sprintf("class %q is already registered", className))
	}
	r.classes[className] = true
	return nil
}

// Registered reports whether className has been declared.
func (r *Registry) Registered(className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[className]
}

// Reset clears all registrations. For tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = make(map[string]bool)
}

// Map resolves (class, objectID) pairs to canonical shared entities.
type Map struct {
	registry *Registry

	mu      sync.RWMutex
	entries map[string]*entity.Entity // className + "\x00" + objectID
	classes map[string]string         // objectID -> className, for conflict detection
}

// NewMap returns an identity map backed by the given class registry.
func NewMap(registry *Registry) *Map {
	return &Map{
		registry: registry,
		entries:  make(map[string]*entity.Entity),
		classes:  make(map[string]string),
	}
}

func mapKey(className, objectID string) string {
	return className + "\x00" + objectID
}

// Resolve returns the shared instance for (className, objectID),
// constructing and publishing an uninitialized reference if none exists.
// Concurrent calls for the same key all receive the first published
// instance. Resolving an identifier already bound to a different class is
// a programmer error.
func (m *Map) Resolve(className, objectID string) (*entity.Entity, error) {
	if !m.registry.Registered(className) {
		return nil, errors.NewProgrammer(fmt.Sprintf("class %q is not registered", className))
	}
	if objectID == "" {
		return nil, errors.NewProgrammer("cannot resolve an empty object identifier")
	}

	key := mapKey(className, objectID)

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock: another resolver may have published
	// while we waited.
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	if bound, ok := m.classes[objectID]; ok && bound != className {
		return nil, errors.NewProgrammer(fmt.Sprintf(
			"object %q is already bound to class %q, cannot resolve as %q", objectID, bound, className))
	}

	e = entity.NewReference(className, objectID)
	m.entries[key] = e
	m.classes[objectID] = className
	return e, nil
}

// Fork creates a new unsaved entity of className. It is not registered in
// the map until Promote is called after the entity receives its server
// identifier.
func (m *Map) Fork(className string) (*entity.Entity, error) {
	if !m.registry.Registered(className) {
		return nil, errors.NewProgrammer(fmt.Sprintf("class %q is not registered", className))
	}
	return entity.New(className), nil
}

// Promote registers an entity that has just been assigned its server
// identifier. If another instance already occupies the slot, Promote
// fails: callers should have resolved through the map instead of holding
// a duplicate.
func (m *Map) Promote(e *entity.Entity) error {
	objectID := e.ObjectID()
	if objectID == "" {
		return errors.NewProgrammer("cannot promote an entity without an object identifier")
	}
	key := mapKey(e.ClassName(), objectID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[key]; ok {
		if existing == e {
			return nil
		}
		return errors.NewProgrammer(fmt.Sprintf(
			"a different instance is already registered for %s:%s", e.ClassName(), objectID))
	}
	if bound, ok := m.classes[objectID]; ok && bound != e.ClassName() {
		return errors.NewProgrammer(fmt.Sprintf(
			"object %q is already bound to class %q", objectID, bound))
	}
	m.entries[key] = e
	m.classes[objectID] = e.ClassName()
	return nil
}

// Lookup returns the registered instance without creating one.
func (m *Map) Lookup(className, objectID string) (*entity.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[mapKey(className, objectID)]
	return e, ok
}

// Len returns the number of registered instances.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reset drops all registered instances. For tests.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entity.Entity)
	m.classes = make(map[string]string)
}

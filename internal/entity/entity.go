package entity

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftlock/driftlock/internal/errors"
)

// Entity is the mutable record mirroring one remote object: a class name,
// a server identifier assigned on first successful save, and a field map.
// All access goes through the methods; the internal lock makes an Entity
// safe to share across in-flight asynchronous operations, which is exactly
// what the identity map does.
type Entity struct {
	mu sync.RWMutex

	className string
	objectID  string // server-assigned, empty until first save, then immutable
	localID   string // ULID identifying the entity before it has an objectID

	fields    map[string]any
	createdAt time.Time
	updatedAt time.Time
}

// New creates an unsaved entity of the given class.
func New(className string) *Entity {
	return &Entity{
		className: className,
		localID:   newLocalID(),
		fields:    make(map[string]any),
	}
}

// Rehydrate recreates an unsaved entity from its persisted local ID, so
// an object pinned before a restart keeps the same key afterwards.
func Rehydrate(className, localID string) *Entity {
	return &Entity{
		className: className,
		localID:   localID,
		fields:    make(map[string]any),
	}
}

// NewReference creates an entity shell for a known server identifier,
// with no fields fetched yet. The identity map uses this when resolving
// an identifier seen for the first time.
func NewReference(className, objectID string) *Entity {
	e := New(className)
	e.objectID = objectID
	return e
}

// newLocalID generates a ULID for entities that have no server identifier.
func newLocalID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// ClassName returns the entity's class.
func (e *Entity) ClassName() string {
	return e.className
}

// ObjectID returns the server identifier, or "" if never saved.
func (e *Entity) ObjectID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.objectID
}

// LocalID returns the client-side identifier, stable for the lifetime of
// the process and used to key unsaved entities in pins and task queues.
func (e *Entity) LocalID() string {
	return e.localID
}

// Key returns the identifier callers should serialize work on: the
// objectID once assigned, otherwise the localID.
func (e *Entity) Key() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.objectID != "" {
		return e.objectID
	}
	return e.localID
}

// SetObjectID records the server identifier after a first save. Changing
// an already-assigned identifier is a programmer error.
func (e *Entity) SetObjectID(objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.objectID != "" && e.objectID != objectID {
		return errors.NewProgrammer("object identifier is immutable once assigned")
	}
	e.objectID = objectID
	return nil
}

// Get returns a field value and whether the field is present.
func (e *Entity) Get(field string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.fields[field]
	return v, ok
}

// FieldNames returns the names of all present fields.
func (e *Entity) FieldNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a shallow copy of the field map.
func (e *Entity) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		snap[k] = v
	}
	return snap
}

// CreatedAt returns the server-side creation time, zero if unsaved.
func (e *Entity) CreatedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.createdAt
}

// UpdatedAt returns the last modification time.
func (e *Entity) UpdatedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updatedAt
}

// Apply mutates the entity's fields with the given operation set. The
// whole set applies or none of it: operations are validated against a
// scratch copy first so a failing op mid-set cannot leave partial state.
func (e *Entity) Apply(ops *OperationSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	scratch := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		scratch[k] = v
	}

	for _, field := range ops.Fields() {
		op, _ := ops.Get(field)
		old, present := scratch[field]
		value, keep, err := op.Apply(old, present)
		if err != nil {
			return err
		}
		if keep {
			scratch[field] = value
		} else {
			delete(scratch, field)
		}
	}

	e.fields = scratch
	e.updatedAt = time.Now()
	return nil
}

// Absorb overwrites this entity's state in place from decoded store or
// server data, so every holder of the shared instance observes the new
// values. Fields is adopted as-is; the caller must not retain it.
func (e *Entity) Absorb(fields map[string]any, createdAt, updatedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fields == nil {
		fields = make(map[string]any)
	}
	e.fields = fields
	if !createdAt.IsZero() {
		e.createdAt = createdAt
	}
	if !updatedAt.IsZero() {
		e.updatedAt = updatedAt
	}
}

// Pointers returns the entity references held in the field map, including
// references inside lists. The pin store follows these when persisting a
// full graph.
func (e *Entity) Pointers() []Pointer {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var refs []Pointer
	for _, v := range e.fields {
		refs = appendPointers(refs, v)
	}
	return refs
}

func appendPointers(refs []Pointer, v any) []Pointer {
	switch val := v.(type) {
	case Pointer:
		refs = append(refs, val)
	case []any:
		for _, item := range val {
			refs = appendPointers(refs, item)
		}
	}
	return refs
}

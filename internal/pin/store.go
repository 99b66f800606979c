// Package pin persists named groups of object graphs for offline use and
// answers local queries over them.
package pin

import (
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftlock/driftlock/internal/codec"
	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/db"
	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/identity"
	"github.com/driftlock/driftlock/internal/query"
	"github.com/driftlock/driftlock/internal/task"
)

// Store is the pin-based object store. Writes to one pin are serialized
// through an internal task queue (single-writer per namespace); reads may
// run concurrently. One Store instance owns the pins namespace per
// process.
type Store struct {
	database *sql.DB
	fields   codec.FieldCodec
	ids      *identity.Map
	writes   *task.Queue
	eval     *query.Evaluator
	cfg      *config.Config
	logger   *zap.Logger

	// unsaved entities rehydrated from disk, keyed by local ID, so
	// repeated reads hand back the same instance.
	mu    sync.Mutex
	local map[string]*entity.Entity
}

// NewStore creates the pin store. The worker pool backs the internal
// write queue.
func NewStore(database *sql.DB, fields codec.FieldCodec, ids *identity.Map,
	pool *task.Pool, cfg *config.Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		database: database,
		fields:   fields,
		ids:      ids,
		writes:   task.NewQueue(pool),
		cfg:      cfg,
		logger:   logger,
		local:    make(map[string]*entity.Entity),
	}
	s.eval = query.New(s, cfg.QueryMaxRelationDepth, cfg.QueryMaxResults)
	return s
}

// Lookup implements query.Source over the identity map, so related-to
// constraints can dereference relation fields.
func (s *Store) Lookup(className, objectID string) (*entity.Entity, bool) {
	return s.ids.Lookup(className, objectID)
}

// PinAll persists the given entities under pinName. When includeAllKeys
// is set the full graph is followed: entities referenced by pointer are
// pinned transitively. Pins are additive; the write is all-or-nothing.
// The returned task settles when the write has committed.
func (s *Store) PinAll(pinName string, entities []*entity.Entity, includeAllKeys bool) *task.Task {
	pinName = s.effectivePin(pinName)
	return s.writes.Enqueue("pin:"+pinName, func() *task.Task {
		if err := s.pinAll(pinName, entities, includeAllKeys); err != nil {
			return task.Rejected(err)
		}
		return task.Resolved(nil)
	})
}

func (s *Store) pinAll(pinName string, entities []*entity.Entity, includeAllKeys bool) error {
	if len(entities) == 0 {
		return errors.NewValidation("nothing to pin")
	}

	graph := entities
	if includeAllKeys {
		var err error
		graph, err = s.expandGraph(entities)
		if err != nil {
			return err
		}
	}

	type pending struct {
		row *db.ObjectRow
		e   *entity.Entity
	}
	rows := make([]pending, 0, len(graph))
	for _, e := range graph {
		payload, err := s.fields.Encode(e.Snapshot())
		if err != nil {
			return err
		}
		row := &db.ObjectRow{
			UUID:      e.LocalID(),
			ClassName: e.ClassName(),
			Payload:   string(payload),
			CreatedAt: e.CreatedAt().Unix(),
			UpdatedAt: time.Now().Unix(),
		}
		if objectID := e.ObjectID(); objectID != "" {
			row.ObjectID = &objectID
			// An object saved in an earlier process run already has a
			// durable key; keep using it.
			if uuid, found, err := db.FindObjectUUID(s.database, e.ClassName(), objectID); err != nil {
				return err
			} else if found {
				row.UUID = uuid
			}
		}
		rows = append(rows, pending{row: row, e: e})
	}

	err := db.WithTx(s.database, func(tx *sql.Tx) error {
		for _, p := range rows {
			if err := db.UpsertObject(tx, p.row); err != nil {
				return err
			}
			if err := db.AddPin(tx, pinName, p.row.UUID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Publish saved entities through the identity map so later resolves
	// share these instances.
	for _, p := range rows {
		if p.e.ObjectID() != "" {
			if err := s.ids.Promote(p.e); err != nil {
				return err
			}
		} else {
			s.trackLocal(p.e)
		}
	}

	s.logger.Debug("pinned objects",
		zap.String("pin", pinName),
		zap.Int("count", len(rows)))
	return nil
}

// expandGraph follows pointer references transitively, resolving each
// through the identity map. Already-visited entities break cycles.
func (s *Store) expandGraph(roots []*entity.Entity) ([]*entity.Entity, error) {
	seen := make(map[*entity.Entity]bool)
	var ordered []*entity.Entity

	var visit func(e *entity.Entity) error
	visit = func(e *entity.Entity) error {
		if seen[e] {
			return nil
		}
		seen[e] = true
		ordered = append(ordered, e)
		for _, ref := range e.Pointers() {
			related, err := s.ids.Resolve(ref.ClassName, ref.ObjectID)
			if err != nil {
				return err
			}
			if err := visit(related); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// UnpinAll removes the pin name entirely. Objects left with no pin are
// purged from the durable store, never from memory.
func (s *Store) UnpinAll(pinName string) *task.Task {
	pinName = s.effectivePin(pinName)
	return s.writes.Enqueue("pin:"+pinName, func() *task.Task {
		err := db.WithTx(s.database, func(tx *sql.Tx) error {
			if err := db.RemovePinByName(tx, pinName); err != nil {
				return err
			}
			n, err := db.PurgeUnpinnedObjects(tx)
			if err != nil {
				return err
			}
			s.logger.Debug("unpinned",
				zap.String("pin", pinName),
				zap.Int64("purged", n))
			return nil
		})
		if err != nil {
			return task.Rejected(err)
		}
		return task.Resolved(nil)
	})
}

// UnpinAllObjects removes only the given entities from pinName, leaving
// the pin's other members in place.
func (s *Store) UnpinAllObjects(pinName string, entities []*entity.Entity) *task.Task {
	pinName = s.effectivePin(pinName)
	return s.writes.Enqueue("pin:"+pinName, func() *task.Task {
		uuids := make([]string, 0, len(entities))
		for _, e := range entities {
			uuid := e.LocalID()
			if objectID := e.ObjectID(); objectID != "" {
				if stored, found, err := db.FindObjectUUID(s.database, e.ClassName(), objectID); err != nil {
					return task.Rejected(err)
				} else if found {
					uuid = stored
				}
			}
			uuids = append(uuids, uuid)
		}
		err := db.WithTx(s.database, func(tx *sql.Tx) error {
			if err := db.RemovePinObjects(tx, pinName, uuids); err != nil {
				return err
			}
			_, err := db.PurgeUnpinnedObjects(tx)
			return err
		})
		if err != nil {
			return task.Rejected(err)
		}
		return task.Resolved(nil)
	})
}

// FindAll returns the entities pinned under pinName, materialized through
// the identity map so each (class, objectID) pair is the shared instance
// with its stored field values absorbed in place.
func (s *Store) FindAll(pinName string) ([]*entity.Entity, error) {
	pinName = s.effectivePin(pinName)
	rows, err := db.PinnedObjects(s.database, pinName)
	if err != nil {
		return nil, err
	}

	result := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := s.materialize(row)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *Store) materialize(row *db.ObjectRow) (*entity.Entity, error) {
	fields, err := s.fields.Decode([]byte(row.Payload))
	if err != nil {
		return nil, err
	}

	var e *entity.Entity
	if row.ObjectID != nil {
		e, err = s.ids.Resolve(row.ClassName, *row.ObjectID)
		if err != nil {
			return nil, err
		}
	} else {
		e = s.lookupLocal(row.ClassName, row.UUID)
	}

	e.Absorb(fields, time.Unix(row.CreatedAt, 0), time.Unix(row.UpdatedAt, 0))
	return e, nil
}

// Find evaluates state against the objects pinned under pinName, without
// contacting the network.
func (s *Store) Find(state *query.State, pinName string) ([]*entity.Entity, error) {
	candidates, err := s.FindAll(pinName)
	if err != nil {
		return nil, err
	}
	return s.eval.Evaluate(state, candidates)
}

// FindOne returns the single pinned object matching state. Two or more
// matches is a TOO_MANY_RESULTS data-integrity error.
func (s *Store) FindOne(state *query.State, pinName string) (*entity.Entity, error) {
	candidates, err := s.FindAll(pinName)
	if err != nil {
		return nil, err
	}
	return s.eval.FindOne(state, candidates)
}

// Count returns how many pinned objects match state.
func (s *Store) Count(state *query.State, pinName string) (int, error) {
	candidates, err := s.FindAll(pinName)
	if err != nil {
		return 0, err
	}
	return s.eval.Count(state, candidates)
}

// PinNames lists every pin present in the store.
func (s *Store) PinNames() ([]string, error) {
	return db.PinNames(s.database)
}

func (s *Store) effectivePin(pinName string) string {
	if pinName == "" {
		return s.cfg.DefaultPin
	}
	return pinName
}

func (s *Store) trackLocal(e *entity.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[e.LocalID()] = e
}

func (s *Store) lookupLocal(className, localID string) *entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.local[localID]; ok {
		return e
	}
	e := entity.Rehydrate(className, localID)
	s.local[localID] = e
	return e
}

// Package objectstore moves single named objects (the "current user"
// record and friends) from a legacy flat-file layout into the database,
// migrating each entry transparently the first time it is read.
package objectstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/driftlock/driftlock/internal/db"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/task"
)

// LegacyStore reads the old flat-file layout. Implementations only need
// read and delete: the legacy store is never written anymore.
type LegacyStore interface {
	Get(name string) ([]byte, bool, error)
	Delete(name string) error
}

// FileStore is the legacy store: one JSON file per object name inside a
// directory.
type FileStore struct {
	dir string
}

// NewFileStore opens the legacy directory. A missing directory is fine;
// it just means there is nothing left to migrate.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// Get reads the named object, reporting false when it does not exist.
func (f *FileStore) Get(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewPersistence("legacy store read", err)
	}
	return data, true, nil
}

// Delete removes the named object. Deleting a missing object is a no-op,
// which keeps concurrent migrations of the same name harmless.
func (f *FileStore) Delete(name string) error {
	err := os.Remove(f.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.NewPersistence("legacy store delete", err)
	}
	return nil
}

// Put writes the named object. Only tests use this to seed legacy state.
func (f *FileStore) Put(name string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return errors.NewPersistence("legacy store write", err)
	}
	if err := os.WriteFile(f.path(name), data, 0o644); err != nil {
		return errors.NewPersistence("legacy store write", err)
	}
	return nil
}

// Migrator fronts the database-backed store and the legacy file store.
// Reads prefer the database and migrate a legacy-only value on first
// access; writes, existence checks, and deletes never touch the legacy
// store.
type Migrator struct {
	database *sql.DB
	legacy   LegacyStore
	pool     *task.Pool
	logger   *zap.Logger
}

// NewMigrator wires the façade. The pool runs the async variants.
func NewMigrator(database *sql.DB, legacy LegacyStore, pool *task.Pool, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{database: database, legacy: legacy, pool: pool, logger: logger}
}

// Get returns the named object, migrating it from the legacy store when
// the database does not have it yet. Concurrent calls for the same name
// migrate at most once: the database write is insert-if-absent, so the
// first writer wins and everyone reads the winner's value back.
func (m *Migrator) Get(name string) ([]byte, bool, error) {
	value, found, err := db.KVGet(m.database, name)
	if err != nil {
		return nil, false, err
	}
	if found {
		return value, true, nil
	}

	data, found, err := m.legacy.Get(name)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	wrote, err := db.KVPutIfAbsent(m.database, name, data)
	if err != nil {
		return nil, false, err
	}
	if wrote {
		m.logger.Info("migrated legacy object", zap.String("name", name))
	}
	if err := m.legacy.Delete(name); err != nil {
		return nil, false, err
	}

	// Read back so a lost race still returns the winning value.
	value, found, err = db.KVGet(m.database, name)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, errors.NewInternal(fmt.Errorf("migrated value for %q disappeared", name))
	}
	return value, true, nil
}

// Set writes the named object to the database store only.
func (m *Migrator) Set(name string, data []byte) error {
	return db.KVPut(m.database, name, data)
}

// Exists reports whether the database store holds the named object. A
// value still sitting in the legacy store does not count until a read
// migrates it.
func (m *Migrator) Exists(name string) (bool, error) {
	return db.KVExists(m.database, name)
}

// Delete removes the named object from the database store.
func (m *Migrator) Delete(name string) error {
	return db.KVDelete(m.database, name)
}

// GetAsync runs Get on the pool. The task's value is the []byte payload,
// or nil when the object does not exist in either store.
func (m *Migrator) GetAsync(name string) *task.Task {
	return m.pool.Run(func() (any, error) {
		data, found, err := m.Get(name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return data, nil
	})
}

// SetAsync runs Set on the pool.
func (m *Migrator) SetAsync(name string, data []byte) *task.Task {
	return m.pool.Run(func() (any, error) {
		return nil, m.Set(name, data)
	})
}

// ExistsAsync runs Exists on the pool; the task's value is a bool.
func (m *Migrator) ExistsAsync(name string) *task.Task {
	return m.pool.Run(func() (any, error) {
		return m.Exists(name)
	})
}

// DeleteAsync runs Delete on the pool.
func (m *Migrator) DeleteAsync(name string) *task.Task {
	return m.pool.Run(func() (any, error) {
		return nil, m.Delete(name)
	})
}

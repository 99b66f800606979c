// Package client assembles the sync layer: one Client owns the class
// registry, identity map, pin store, task sequencer, durable retry queue,
// and the migrator, wired over a single database.
package client

import (
	"context"
	"crypto/rand"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/driftlock/driftlock/internal/codec"
	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/db"
	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/eventually"
	"github.com/driftlock/driftlock/internal/identity"
	"github.com/driftlock/driftlock/internal/network"
	"github.com/driftlock/driftlock/internal/objectstore"
	"github.com/driftlock/driftlock/internal/pin"
	"github.com/driftlock/driftlock/internal/query"
	"github.com/driftlock/driftlock/internal/task"
)

// retentionPin holds entities whose saves are waiting in the durable
// queue, so their field data survives a restart alongside the command.
const retentionPin = "_eventually"

// Client is the application-facing entry point.
type Client struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *sql.DB
	fields   codec.FieldCodec
	runner   network.Runner

	registry *identity.Registry
	ids      *identity.Map
	pins     *pin.Store
	queue    *eventually.Queue
	migrator *objectstore.Migrator
	pool     *task.Pool

	// writes serializes asynchronous operations per entity key, so two
	// saves of the same object never interleave.
	writes *task.Queue

	// unsaved entities with a queued or in-flight first save, keyed by
	// local ID, so the replay hook can assign their server identifiers.
	mu      sync.Mutex
	pending map[string]*entity.Entity

	installationID string
}

// Open initializes the sync layer under baseDir. The runner is the
// transport collaborator; wrap it with network.NewBreakerRunner to guard
// replay against a flapping connection.
func Open(baseDir string, cfg *config.Config, runner network.Runner, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	database, err := db.Init(baseDir)
	if err != nil {
		return nil, err
	}
	db.ConfigurePool(database, cfg)

	installationID, err := config.InstallationID(baseDir)
	if err != nil {
		database.Close()
		return nil, err
	}

	registry := identity.NewRegistry()
	ids := identity.NewMap(registry)
	fields := codec.JSON{}
	pool := task.NewPool(cfg.WorkerPoolSize, logger)

	c := &Client{
		cfg:            cfg,
		logger:         logger,
		database:       database,
		fields:         fields,
		runner:         runner,
		registry:       registry,
		ids:            ids,
		pins:           pin.NewStore(database, fields, ids, pool, cfg, logger),
		migrator:       objectstore.NewMigrator(database, objectstore.NewFileStore(filepath.Join(baseDir, "legacy")), pool, logger),
		pool:           pool,
		writes:         task.NewQueue(pool),
		pending:        make(map[string]*entity.Entity),
		installationID: installationID,
	}
	c.queue = eventually.NewQueue(database, runner, cfg, logger)
	c.queue.OnSuccess(c.absorbSaveResult)
	return c, nil
}

// Close waits for in-flight work and releases the database.
func (c *Client) Close() error {
	c.pool.Close()
	return c.database.Close()
}

// Register declares a class name with the identity registry.
func (c *Client) Register(className string) error {
	return c.registry.Register(className)
}

// Resolve returns the canonical shared instance for (className, objectID).
func (c *Client) Resolve(className, objectID string) (*entity.Entity, error) {
	return c.ids.Resolve(className, objectID)
}

// New creates an unsaved entity of className.
func (c *Client) New(className string) (*entity.Entity, error) {
	return c.ids.Fork(className)
}

// Pins exposes the pin store.
func (c *Client) Pins() *pin.Store {
	return c.pins
}

// Queue exposes the durable retry queue.
func (c *Client) Queue() *eventually.Queue {
	return c.queue
}

// Migrator exposes the named-object store façade.
func (c *Client) Migrator() *objectstore.Migrator {
	return c.migrator
}

// InstallationID returns this device's stable identifier.
func (c *Client) InstallationID() string {
	return c.installationID
}

// Find runs a local query against the named pin.
func (c *Client) Find(state *query.State, pinName string) ([]*entity.Entity, error) {
	return c.pins.Find(state, pinName)
}

// SaveEventually saves the entity, falling back to the durable queue when
// the network is unavailable. Saves of the same entity are strictly
// ordered. The returned task settles once the save has reached the
// backend or been durably queued; in the queued case its value is a
// *task.Task that settles when the command is replayed.
func (c *Client) SaveEventually(ctx context.Context, e *entity.Entity) *task.Task {
	return c.writes.Enqueue("entity:"+e.Key(), func() *task.Task {
		payload, err := c.fields.Encode(e.Snapshot())
		if err != nil {
			return task.Rejected(err)
		}
		return c.dispatch(ctx, e, &network.Command{
			Kind:      network.KindSave,
			ClassName: e.ClassName(),
			ObjectKey: e.Key(),
			Payload:   payload,
		})
	})
}

// DeleteEventually deletes the entity remotely, queuing the command when
// offline. An entity that never reached the backend has nothing remote to
// delete; that is a validation error.
func (c *Client) DeleteEventually(ctx context.Context, e *entity.Entity) *task.Task {
	return c.writes.Enqueue("entity:"+e.Key(), func() *task.Task {
		if e.ObjectID() == "" {
			return task.Rejected(errors.NewValidation("entity was never saved remotely"))
		}
		return c.dispatch(ctx, e, &network.Command{
			Kind:      network.KindDelete,
			ClassName: e.ClassName(),
			ObjectKey: e.ObjectID(),
		})
	})
}

// dispatch tries the command immediately and falls back to the eventually
// queue when the failure is connectivity. The returned task settles as
// soon as the command has either executed or been durably queued, so the
// per-entity chain advances and further offline writes still reach the
// durable log. In the queued case the task's value is the replay waiter.
func (c *Client) dispatch(ctx context.Context, e *entity.Entity, cmd *network.Command) *task.Task {
	if cmd.Kind == network.KindSave && e.ObjectID() == "" {
		c.trackPending(e)
	}

	resp, err := c.runner.Execute(ctx, cmd)
	if err == nil {
		if cmd.Kind == network.KindSave {
			if applyErr := c.applySave(e, resp); applyErr != nil {
				return task.Rejected(applyErr)
			}
		}
		return task.Resolved(resp)
	}
	if !network.IsTransient(err) {
		c.untrackPending(e)
		return task.Rejected(err)
	}

	// Offline: persist the command, and for saves also the entity itself
	// under the retention pin so its data survives a restart.
	qc := &eventually.Command{
		Kind:         cmd.Kind,
		ClassName:    cmd.ClassName,
		ObjectKey:    cmd.ObjectKey,
		Payload:      cmd.Payload,
		SessionToken: cmd.SessionToken,
	}
	if cmd.Kind == network.KindSave {
		if err := c.retainForReplay(e); err != nil {
			c.untrackPending(e)
			return task.Rejected(err)
		}
		qc.PinName = retentionPin
	}

	_, waiter, enqErr := c.queue.Enqueue(qc)
	if enqErr != nil {
		c.untrackPending(e)
		return task.Rejected(enqErr)
	}
	c.logger.Info("command queued for replay",
		zap.String("kind", cmd.Kind),
		zap.String("object", cmd.ObjectKey))
	return task.Resolved(waiter)
}

// retainForReplay pins the entity's current state under the retention pin
// so a queued save can be rehydrated after a restart. Direct row writes:
// the retention pin is owned by the client and written only from inside
// the per-entity chain.
func (c *Client) retainForReplay(e *entity.Entity) error {
	payload, err := c.fields.Encode(e.Snapshot())
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
		if uuid, found, err := db.FindObjectUUID(c.database, e.ClassName(), objectID); err != nil {
			return err
		} else if found {
			row.UUID = uuid
		}
	}
	return db.WithTx(c.database, func(tx *sql.Tx) error {
		if err := db.UpsertObject(tx, row); err != nil {
			return err
		}
		return db.AddPin(tx, retentionPin, row.UUID)
	})
}

// releaseRetained drops a replayed command's retention pin entry; the
// object row is purged unless the application pinned it elsewhere.
func (c *Client) releaseRetained(cmd *db.CommandRow) error {
	if cmd.PinName == nil {
		return nil
	}
	uuid := cmd.ObjectKey
	if stored, found, err := db.FindObjectUUID(c.database, cmd.ClassName, cmd.ObjectKey); err != nil {
		return err
	} else if found {
		uuid = stored
	}
	return db.WithTx(c.database, func(tx *sql.Tx) error {
		if err := db.RemovePinObjects(tx, *cmd.PinName, []string{uuid}); err != nil {
			return err
		}
		_, err := db.PurgeUnpinnedObjects(tx)
		return err
	})
}

// LogEventEventually records an application event (analytics, audit) for
// delivery to the backend. Events carry their full body, so they need no
// entity sequencing or retention: when offline the command goes straight
// to the durable queue. The returned task settles once the event has been
// delivered or durably queued; in the queued case its value is the
// replay waiter.
func (c *Client) LogEventEventually(ctx context.Context, name string, fields map[string]any) *task.Task {
	if name == "" {
		return task.Rejected(errors.NewValidation("event name is required"))
	}
	payload, err := c.fields.Encode(fields)
	if err != nil {
		return task.Rejected(err)
	}
	cmd := &network.Command{
		Kind:      network.KindSaveEvent,
		ClassName: name,
		ObjectKey: ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Payload:   payload,
	}

	resp, err := c.runner.Execute(ctx, cmd)
	if err == nil {
		return task.Resolved(resp)
	}
	if !network.IsTransient(err) {
		return task.Rejected(err)
	}
	_, waiter, enqErr := c.queue.Enqueue(&eventually.Command{
		Kind:      cmd.Kind,
		ClassName: cmd.ClassName,
		ObjectKey: cmd.ObjectKey,
		Payload:   cmd.Payload,
	})
	if enqErr != nil {
		return task.Rejected(enqErr)
	}
	c.logger.Info("event queued for replay", zap.String("event", name))
	return task.Resolved(waiter)
}

// Drain replays queued commands; wire it to a connectivity-change
// notifier so the queue empties as soon as the network returns.
func (c *Client) Drain(ctx context.Context) (*eventually.DrainResult, error) {
	return c.queue.Drain(ctx)
}

// absorbSaveResult is the replay success hook: it routes server-assigned
// identifiers back into the identity map and releases the retention pin.
func (c *Client) absorbSaveResult(cmd *db.CommandRow, resp *network.Response) error {
	if cmd.Kind != network.KindSave {
		return nil
	}
	if err := c.releaseRetained(cmd); err != nil {
		return err
	}
	if resp == nil || resp.ObjectID == "" {
		return nil
	}

	if e, ok := c.ids.Lookup(cmd.ClassName, cmd.ObjectKey); ok {
		touch(e, resp)
		return nil
	}

	// First save of an unsaved entity: the object key is its local ID.
	c.mu.Lock()
	e, ok := c.pending[cmd.ObjectKey]
	delete(c.pending, cmd.ObjectKey)
	c.mu.Unlock()
	if !ok {
		// Queued in an earlier process run; the in-memory instance is
		// gone, the durable state is already correct.
		return nil
	}
	return c.applySave(e, resp)
}

// applySave records a save response on the entity: first saves pick up
// their server identifier and join the identity map.
func (c *Client) applySave(e *entity.Entity, resp *network.Response) error {
	if resp.ObjectID != "" && e.ObjectID() == "" {
		if err := e.SetObjectID(resp.ObjectID); err != nil {
			return err
		}
		if err := c.ids.Promote(e); err != nil {
			return err
		}
	}
	c.untrackPending(e)
	touch(e, resp)
	return nil
}

func touch(e *entity.Entity, resp *network.Response) {
	createdAt := resp.CreatedAt
	updatedAt := resp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	e.Absorb(e.Snapshot(), createdAt, updatedAt)
}

func (c *Client) trackPending(e *entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[e.LocalID()] = e
}

func (c *Client) untrackPending(e *entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, e.LocalID())
}

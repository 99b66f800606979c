package client

import (
	"context"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/logging"
	"github.com/driftlock/driftlock/internal/network"
	"github.com/driftlock/driftlock/internal/query"
	"github.com/driftlock/driftlock/internal/task"
)

// flakyRunner fails with a connectivity error while offline is set, and
// otherwise assigns sequential server identifiers.
type flakyRunner struct {
	mu      sync.Mutex
	offline bool
	next    int
	kinds   []string
}

func (r *flakyRunner) setOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

func (r *flakyRunner) Execute(_ context.Context, cmd *network.Command) (*network.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, syscall.ECONNREFUSED
	}
	r.kinds = append(r.kinds, cmd.Kind)
	r.next++
	return &network.Response{ObjectID: "srv" + string(rune('0'+r.next))}, nil
}

func openClient(t *testing.T, runner network.Runner, classes ...string) *Client {
	t.Helper()
	c, err := Open(t.TempDir(), nil, runner, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	for _, class := range classes {
		require.NoError(t, c.Register(class))
	}
	return c
}

func TestSaveEventually_Online(t *testing.T) {
	runner := &flakyRunner{}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	e, err := c.New("Player")
	require.NoError(t, err)
	applySet(t, e, "name", "ada")

	require.NoError(t, c.SaveEventually(ctx, e).Wait(ctx))
	require.NotEmpty(t, e.ObjectID(), "first save assigns the server identifier")

	// The saved entity is now the canonical instance.
	same, err := c.Resolve("Player", e.ObjectID())
	require.NoError(t, err)
	require.Same(t, e, same)
}

func TestSaveEventually_OfflineQueuesAndReplays(t *testing.T) {
	runner := &flakyRunner{offline: true}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	e, err := c.New("Player")
	require.NoError(t, err)
	applySet(t, e, "name", "ada")

	saveTask := c.SaveEventually(ctx, e)

	// The save settles as soon as the command is durable, handing back a
	// waiter for the eventual replay.
	require.NoError(t, saveTask.Wait(ctx))
	waiter, ok := saveTask.Value().(*task.Task)
	require.True(t, ok, "offline save should yield a replay waiter")

	pending, err := c.Queue().FindAllPinned()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, e.ObjectID())

	// Connectivity returns; drain replays and the waiter settles.
	runner.setOffline(false)
	result, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Completed)

	require.NoError(t, waiter.Wait(ctx))
	require.NotEmpty(t, e.ObjectID())

	same, err := c.Resolve("Player", e.ObjectID())
	require.NoError(t, err)
	require.Same(t, e, same)
}

func TestSaveEventually_OfflineChainAdvances(t *testing.T) {
	runner := &flakyRunner{offline: true}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	e, err := c.New("Player")
	require.NoError(t, err)
	applySet(t, e, "score", int64(1))
	first := c.SaveEventually(ctx, e)
	applySet(t, e, "score", int64(2))
	second := c.SaveEventually(ctx, e)

	// Both saves must reach the durable queue while still offline: the
	// per-entity chain advances on enqueue, not on replay.
	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))

	pending, err := c.Queue().FindAllPinned()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NotNil(t, pending[0].PinName)
	require.Equal(t, retentionPin, *pending[0].PinName)

	// The entity's field data is retained durably alongside the commands.
	retained, err := c.Pins().FindAll(retentionPin)
	require.NoError(t, err)
	require.Len(t, retained, 1)

	runner.setOffline(false)
	result, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Completed)

	waiter, ok := first.Value().(*task.Task)
	require.True(t, ok)
	require.NoError(t, waiter.Wait(ctx))
	require.NotEmpty(t, e.ObjectID())

	// Replay released the retention pin.
	retained, err = c.Pins().FindAll(retentionPin)
	require.NoError(t, err)
	require.Empty(t, retained)
}

func TestSaveThenDelete_StrictlyOrdered(t *testing.T) {
	runner := &flakyRunner{}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	e, err := c.Resolve("Player", "p1")
	require.NoError(t, err)
	applySet(t, e, "score", int64(1))

	saveTask := c.SaveEventually(ctx, e)
	deleteTask := c.DeleteEventually(ctx, e)

	require.NoError(t, saveTask.Wait(ctx))
	require.NoError(t, deleteTask.Wait(ctx))
	require.Equal(t, []string{network.KindSave, network.KindDelete}, runner.kinds)
}

func TestDeleteEventually_UnsavedEntityRejected(t *testing.T) {
	c := openClient(t, &flakyRunner{}, "Player")
	ctx := context.Background()

	e, err := c.New("Player")
	require.NoError(t, err)

	err = c.DeleteEventually(ctx, e).Wait(ctx)
	require.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
}

func TestPermanentRejectionSurfaces(t *testing.T) {
	c := openClient(t, rejectingRunner{}, "Player")
	ctx := context.Background()

	e, err := c.New("Player")
	require.NoError(t, err)
	applySet(t, e, "name", "ada")

	err = c.SaveEventually(ctx, e).Wait(ctx)
	require.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	// Permanent failures are not queued for replay.
	pending, qerr := c.Queue().FindAllPinned()
	require.NoError(t, qerr)
	require.Empty(t, pending)
}

type rejectingRunner struct{}

func (rejectingRunner) Execute(_ context.Context, _ *network.Command) (*network.Response, error) {
	return nil, errors.NewConflict("schema mismatch")
}

func TestLogEventEventually_Online(t *testing.T) {
	runner := &flakyRunner{}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	tk := c.LogEventEventually(ctx, "level_complete", map[string]any{"level": int64(3)})
	require.NoError(t, tk.Wait(ctx))
	require.Equal(t, []string{network.KindSaveEvent}, runner.kinds)

	pending, err := c.Queue().FindAllPinned()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestLogEventEventually_OfflineQueuesAndReplays(t *testing.T) {
	runner := &flakyRunner{offline: true}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	tk := c.LogEventEventually(ctx, "level_complete", map[string]any{"level": int64(3)})
	require.NoError(t, tk.Wait(ctx))

	pending, err := c.Queue().FindAllPinned()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, network.KindSaveEvent, pending[0].Kind)

	runner.setOffline(false)
	result, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Completed)

	waiter, ok := tk.Value().(*task.Task)
	require.True(t, ok)
	require.NoError(t, waiter.Wait(ctx))
}

func TestPinAndQueryThroughClient(t *testing.T) {
	runner := &flakyRunner{}
	c := openClient(t, runner, "Player")
	ctx := context.Background()

	var team []*entity.Entity
	for _, id := range []string{"p1", "p2", "p3"} {
		e, err := c.Resolve("Player", id)
		require.NoError(t, err)
		applySet(t, e, "active", id != "p3")
		team = append(team, e)
	}
	require.NoError(t, c.Pins().PinAll("team", team, false).Wait(ctx))

	found, err := c.Find(query.NewState("Player").Where("active", query.OpEqual, true), "team")
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func applySet(t *testing.T, e *entity.Entity, field string, value any) {
	t.Helper()
	ops := entity.NewOperationSet()
	require.NoError(t, ops.Put(field, entity.SetOp{Value: value}))
	require.NoError(t, e.Apply(ops))
}

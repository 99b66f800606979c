// Package eventually keeps a durable, ordered log of commands that could
// not reach the backend and replays them in enqueue order once
// connectivity returns.
package eventually

import (
	"context"
	"crypto/rand"
	"database/sql"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/db"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/network"
	"github.com/driftlock/driftlock/internal/task"
)

// Command is one operation to queue for later replay.
type Command struct {
	Kind         string // network.KindSave, KindDelete, KindSaveEvent
	ClassName    string
	ObjectKey    string
	Payload      []byte
	SessionToken string
	PinName      string
}

// Outcome describes what one ReplayNext pass did.
type Outcome int

const (
	// OutcomeEmpty means the queue holds no commands.
	OutcomeEmpty Outcome = iota
	// OutcomeCompleted means the head executed and was removed.
	OutcomeCompleted
	// OutcomeFailedPermanently means the backend rejected the head; it
	// was removed and will never be retried.
	OutcomeFailedPermanently
	// OutcomeBlocked means the head hit a connectivity failure and stays
	// at the head; replay halts until connectivity returns.
	OutcomeBlocked
)

// SuccessHook runs after a command executes remotely, before it is
// removed from the log. The client uses it to absorb server-assigned
// identifiers into the local store.
type SuccessHook func(cmd *db.CommandRow, resp *network.Response) error

// Queue is the durable retry queue. One instance owns the command-log
// namespace per process; replay is globally FIFO because the log models a
// single connection to the backend.
type Queue struct {
	database *sql.DB
	runner   network.Runner
	cfg      *config.Config
	logger   *zap.Logger

	onSuccess SuccessHook

	// replayMu serializes replay passes; enqueues may run concurrently.
	replayMu sync.Mutex

	// waiters maps sequence numbers to completions so enqueuers can
	// observe their command's eventual fate. Lost on restart, the
	// durable log is the source of truth.
	waiterMu sync.Mutex
	waiters  map[int64]*task.Completion
}

// NewQueue creates the queue over an initialized database.
func NewQueue(database *sql.DB, runner network.Runner, cfg *config.Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		database: database,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		waiters:  make(map[int64]*task.Completion),
	}
}

// OnSuccess installs the post-execution hook. Call before replaying.
func (q *Queue) OnSuccess(hook SuccessHook) {
	q.onSuccess = hook
}

// Enqueue durably appends cmd and returns its sequence number along with
// a task that settles when the command is eventually replayed (or
// permanently rejected). The append has committed before Enqueue returns.
func (q *Queue) Enqueue(cmd *Command) (int64, *task.Task, error) {
	if cmd.Kind == "" || cmd.ObjectKey == "" {
		return 0, nil, errors.NewValidation("command needs a kind and an object key")
	}

	row := &db.CommandRow{
		CommandID: ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Kind:      cmd.Kind,
		ClassName: cmd.ClassName,
		ObjectKey: cmd.ObjectKey,
		Payload:   string(cmd.Payload),
	}
	if cmd.SessionToken != "" {
		row.SessionToken = &cmd.SessionToken
	}
	if cmd.PinName != "" {
		row.PinName = &cmd.PinName
	}

	seq, err := db.EnqueueCommand(q.database, row)
	if err != nil {
		return 0, nil, err
	}

	c := task.NewCompletion()
	q.waiterMu.Lock()
	q.waiters[seq] = c
	q.waiterMu.Unlock()

	q.logger.Debug("command queued",
		zap.Int64("seq", seq),
		zap.String("kind", cmd.Kind),
		zap.String("object", cmd.ObjectKey))
	return seq, c.Task(), nil
}

// FindAllPinned returns every unresolved command in sequence order. Call
// at process start to inspect what replay will resume with.
func (q *Queue) FindAllPinned() ([]*db.CommandRow, error) {
	return db.PendingCommands(q.database)
}

// ReplayNext pops the lowest-sequence command and executes it. Success
// and permanent rejection both remove the command durably; a transient
// failure returns it to pending, keeping it at the head.
func (q *Queue) ReplayNext(ctx context.Context) (Outcome, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	head, err := db.HeadCommand(q.database)
	if err != nil {
		return OutcomeBlocked, err
	}
	if head == nil {
		return OutcomeEmpty, nil
	}

	if err := db.MarkCommandExecuting(q.database, head.Seq); err != nil {
		return OutcomeBlocked, err
	}

	resp, execErr := q.execute(ctx, head)
	if execErr != nil && network.IsTransient(execErr) {
		// Back to pending; the command stays at the head and replay
		// halts until connectivity is restored.
		if err := db.MarkCommandPending(q.database, head.Seq); err != nil {
			return OutcomeBlocked, err
		}
		q.logger.Info("replay blocked on connectivity",
			zap.Int64("seq", head.Seq),
			zap.Int("attempts", head.Attempts+1))
		return OutcomeBlocked, nil
	}

	if execErr != nil {
		// Permanent rejection: remove, surface to any waiter, never retry.
		if err := db.RemoveCommand(q.database, head.Seq); err != nil {
			return OutcomeBlocked, err
		}
		q.logger.Warn("command permanently failed",
			zap.Int64("seq", head.Seq),
			zap.String("kind", head.Kind),
			zap.Error(execErr))
		q.settle(head.Seq, nil, execErr)
		return OutcomeFailedPermanently, nil
	}

	if q.onSuccess != nil {
		if err := q.onSuccess(head, resp); err != nil {
			// The remote write happened; a failing hook must not keep
			// the command in the log or it would replay forever.
			q.logger.Error("success hook failed",
				zap.Int64("seq", head.Seq),
				zap.Error(err))
		}
	}

	if err := db.RemoveCommand(q.database, head.Seq); err != nil {
		return OutcomeBlocked, err
	}
	q.settle(head.Seq, resp, nil)
	return OutcomeCompleted, nil
}

func (q *Queue) execute(ctx context.Context, row *db.CommandRow) (*network.Response, error) {
	cmd := &network.Command{
		Kind:      row.Kind,
		ClassName: row.ClassName,
		ObjectKey: row.ObjectKey,
		Payload:   []byte(row.Payload),
	}
	if row.SessionToken != nil {
		cmd.SessionToken = *row.SessionToken
	}
	return q.runner.Execute(ctx, cmd)
}

func (q *Queue) settle(seq int64, resp *network.Response, err error) {
	q.waiterMu.Lock()
	c, ok := q.waiters[seq]
	delete(q.waiters, seq)
	q.waiterMu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		c.Reject(err)
		return
	}
	c.Resolve(resp)
}

// DrainResult summarizes one Drain pass.
type DrainResult struct {
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Blocked   bool `json:"blocked"`
}

// Drain replays commands until the queue is empty, replay blocks on
// connectivity, or the configured batch limit is reached. The
// connectivity-change notifier calls this when the network comes back.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{}
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if q.cfg.ReplayBatchLimit > 0 &&
			result.Completed+result.Failed >= q.cfg.ReplayBatchLimit {
			return result, nil
		}

		outcome, err := q.ReplayNext(ctx)
		if err != nil {
			return result, err
		}
		switch outcome {
		case OutcomeEmpty:
			return result, nil
		case OutcomeCompleted:
			result.Completed++
		case OutcomeFailedPermanently:
			result.Failed++
		case OutcomeBlocked:
			result.Blocked = true
			return result, nil
		}
	}
}

// Stats exposes durable queue counters.
func (q *Queue) Stats() (*db.QueueStats, error) {
	return db.Stats(q.database)
}

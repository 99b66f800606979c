package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/db"
	"github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/eventually"
	"github.com/driftlock/driftlock/internal/logging"
	"github.com/driftlock/driftlock/internal/network"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(database *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "driftlock",
		Usage:   "Offline-first object sync store",
		Version: Version,
		Commands: []*cli.Command{
			pinsCmd(database),
			objectsCmd(database, cfg),
			unpinCmd(database),
			queueCmd(database),
			dropCmd(database),
			replayCmd(database, cfg),
			statsCmd(database),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// pinsCmd lists every pin with its object count.
func pinsCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "pins",
		Usage: "List pins and how many objects each holds",
		Action: func(_ *cli.Context) error {
			names, err := db.PinNames(database)
			if err != nil {
				return outputError(err)
			}
			type pinInfo struct {
				Name  string `json:"name"`
				Count int    `json:"count"`
			}
			out := make([]pinInfo, 0, len(names))
			for _, name := range names {
				rows, err := db.PinnedObjects(database, name)
				if err != nil {
					return outputError(err)
				}
				out = append(out, pinInfo{Name: name, Count: len(rows)})
			}
			return outputJSON(out)
		},
	}
}

// objectsCmd lists the objects pinned under one pin.
func objectsCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "objects",
		Usage: "List the objects held by a pin",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pin", Aliases: []string{"p"}, Usage: "Pin name (defaults to the default pin)"},
			&cli.BoolFlag{Name: "payload", Usage: "Include the stored field payload"},
		},
		Action: func(c *cli.Context) error {
			pinName := c.String("pin")
			if pinName == "" {
				pinName = cfg.DefaultPin
			}
			rows, err := db.PinnedObjects(database, pinName)
			if err != nil {
				return outputError(err)
			}
			type objectInfo struct {
				UUID      string          `json:"uuid"`
				ClassName string          `json:"class_name"`
				ObjectID  *string         `json:"object_id,omitempty"`
				UpdatedAt string          `json:"updated_at"`
				Payload   json.RawMessage `json:"payload,omitempty"`
			}
			out := make([]objectInfo, 0, len(rows))
			for _, row := range rows {
				info := objectInfo{
					UUID:      row.UUID,
					ClassName: row.ClassName,
					ObjectID:  row.ObjectID,
					UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC().Format(time.RFC3339),
				}
				if c.Bool("payload") {
					info.Payload = json.RawMessage(row.Payload)
				}
				out = append(out, info)
			}
			return outputJSON(out)
		},
	}
}

// unpinCmd removes a pin by name and purges orphaned objects.
func unpinCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "unpin",
		Usage:     "Remove a pin; objects no longer pinned anywhere are purged",
		ArgsUsage: "<pin>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewValidation("pin name is required"))
			}
			pinName := c.Args().First()

			var purged int64
			err := db.WithTx(database, func(tx *sql.Tx) error {
				if err := db.RemovePinByName(tx, pinName); err != nil {
					return err
				}
				var err error
				purged, err = db.PurgeUnpinnedObjects(tx)
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"pin": pinName, "purged": purged})
		},
	}
}

// queueCmd lists pending commands awaiting replay.
func queueCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "List queued commands awaiting replay",
		Action: func(_ *cli.Context) error {
			rows, err := db.PendingCommands(database)
			if err != nil {
				return outputError(err)
			}
			type commandInfo struct {
				Seq        int64  `json:"seq"`
				CommandID  string `json:"command_id"`
				Kind       string `json:"kind"`
				ClassName  string `json:"class_name,omitempty"`
				ObjectKey  string `json:"object_key"`
				State      string `json:"state"`
				Attempts   int    `json:"attempts"`
				EnqueuedAt string `json:"enqueued_at"`
			}
			out := make([]commandInfo, 0, len(rows))
			for _, row := range rows {
				out = append(out, commandInfo{
					Seq:        row.Seq,
					CommandID:  row.CommandID,
					Kind:       row.Kind,
					ClassName:  row.ClassName,
					ObjectKey:  row.ObjectKey,
					State:      row.State,
					Attempts:   row.Attempts,
					EnqueuedAt: time.Unix(row.EnqueuedAt, 0).UTC().Format(time.RFC3339),
				})
			}
			return outputJSON(out)
		},
	}
}

// dropCmd discards a queued command without executing it.
func dropCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "drop",
		Usage: "Discard a queued command by sequence number",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "seq", Required: true, Usage: "Sequence number to discard"},
		},
		Action: func(c *cli.Context) error {
			seq := c.Int64("seq")
			if err := db.RemoveCommand(database, seq); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"dropped": seq})
		},
	}
}

// replayCmd drains the queue against a backend endpoint.
func replayCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Replay queued commands against the backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "endpoint", Aliases: []string{"e"}, Required: true, Usage: "Backend base URL"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum commands to replay (0 = all)"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Per-command timeout"},
		},
		Action: func(c *cli.Context) error {
			replayCfg := *cfg
			if c.IsSet("limit") {
				replayCfg.ReplayBatchLimit = c.Int("limit")
			}

			runner := network.NewBreakerRunner(
				newHTTPRunner(c.String("endpoint"), c.Duration("timeout")),
				logging.Nop(),
			)
			queue := eventually.NewQueue(database, runner, &replayCfg, logging.Nop())

			result, err := queue.Drain(context.Background())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(result)
		},
	}
}

// statsCmd summarizes local store state.
func statsCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show queue and pin counters",
		Action: func(_ *cli.Context) error {
			queueStats, err := db.Stats(database)
			if err != nil {
				return outputError(err)
			}
			pins, err := db.PinNames(database)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"queue": queueStats,
				"pins":  len(pins),
			})
		},
	}
}

// httpRunner is a minimal reference transport: one POST per command.
// Transport-level failures and 5xx responses count as connectivity;
// 4xx responses are permanent rejections.
type httpRunner struct {
	endpoint string
	client   *http.Client
}

func newHTTPRunner(endpoint string, timeout time.Duration) *httpRunner {
	return &httpRunner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type wireCommand struct {
	Kind         string          `json:"kind"`
	ClassName    string          `json:"className,omitempty"`
	ObjectKey    string          `json:"objectKey"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
}

type wireResponse struct {
	ObjectID  string          `json:"objectId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (r *httpRunner) Execute(ctx context.Context, cmd *network.Command) (*network.Response, error) {
	body, err := json.Marshal(wireCommand{
		Kind:         cmd.Kind,
		ClassName:    cmd.ClassName,
		ObjectKey:    cmd.ObjectKey,
		Payload:      json.RawMessage(cmd.Payload),
		SessionToken: cmd.SessionToken,
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/commands", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.NewConnectivity(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewConnectivity(err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, errors.NewConnectivity(fmt.Errorf("backend returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, errors.NewConflict(fmt.Sprintf("backend rejected command: %d %s", resp.StatusCode, string(data)))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.NewInternal(err)
	}
	return &network.Response{
		ObjectID:  wire.ObjectID,
		CreatedAt: wire.CreatedAt,
		UpdatedAt: wire.UpdatedAt,
		Payload:   []byte(wire.Payload),
	}, nil
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var driftErr *errors.DriftError
	if stderrors.As(err, &driftErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", driftErr.Code, driftErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/db"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// runCLI runs the app with the given args, capturing stdout.
func runCLI(t *testing.T, database *sql.DB, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(database, cfg)

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := app.Run(append([]string{"driftlock"}, args...))

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	return buf.String(), err
}

// seedPinnedObject inserts one object and pins it.
func seedPinnedObject(t *testing.T, database *sql.DB, pinName, uuid, className string, objectID *string) {
	t.Helper()
	err := db.WithTx(database, func(tx *sql.Tx) error {
		row := &db.ObjectRow{
			UUID:      uuid,
			ClassName: className,
			ObjectID:  objectID,
			Payload:   `{"name":"ada"}`,
			CreatedAt: 1700000000,
			UpdatedAt: 1700000100,
		}
		if err := db.UpsertObject(tx, row); err != nil {
			return err
		}
		return db.AddPin(tx, pinName, uuid)
	})
	if err != nil {
		t.Fatalf("failed to seed object: %v", err)
	}
}

func seedCommand(t *testing.T, database *sql.DB, key string) int64 {
	t.Helper()
	seq, err := db.EnqueueCommand(database, &db.CommandRow{
		CommandID: "cmd-" + key,
		Kind:      "save",
		ClassName: "Player",
		ObjectKey: key,
		Payload:   `{}`,
	})
	if err != nil {
		t.Fatalf("failed to seed command: %v", err)
	}
	return seq
}

func TestPinsCommand(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	id := "p1"
	seedPinnedObject(t, database, "squad", "u1", "Player", &id)
	seedPinnedObject(t, database, "squad", "u2", "Player", nil)
	seedPinnedObject(t, database, "favorites", "u1", "Player", &id)

	out, err := runCLI(t, database, cfg, "pins")
	if err != nil {
		t.Fatalf("pins command failed: %v", err)
	}

	var pins []struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &pins); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if len(pins) != 2 {
		t.Fatalf("expected 2 pins, got %d", len(pins))
	}
	counts := map[string]int{}
	for _, p := range pins {
		counts[p.Name] = p.Count
	}
	if counts["squad"] != 2 || counts["favorites"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestObjectsCommand(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	id := "p1"
	seedPinnedObject(t, database, "_default", "u1", "Player", &id)

	t.Run("default pin", func(t *testing.T) {
		out, err := runCLI(t, database, cfg, "objects")
		if err != nil {
			t.Fatalf("objects command failed: %v", err)
		}
		if !strings.Contains(out, `"u1"`) || !strings.Contains(out, `"Player"`) {
			t.Errorf("output missing object row: %s", out)
		}
		if strings.Contains(out, `"payload"`) {
			t.Errorf("payload should be omitted by default: %s", out)
		}
	})

	t.Run("with payload", func(t *testing.T) {
		out, err := runCLI(t, database, cfg, "objects", "--pin=_default", "--payload")
		if err != nil {
			t.Fatalf("objects command failed: %v", err)
		}
		if !strings.Contains(out, `"name": "ada"`) {
			t.Errorf("payload missing from output: %s", out)
		}
	})

	t.Run("empty pin", func(t *testing.T) {
		out, err := runCLI(t, database, cfg, "objects", "--pin=nothing")
		if err != nil {
			t.Fatalf("objects command failed: %v", err)
		}
		if strings.TrimSpace(out) != "[]" {
			t.Errorf("expected empty list, got %s", out)
		}
	})
}

func TestUnpinCommand(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	id := "p1"
	seedPinnedObject(t, database, "squad", "u1", "Player", &id)
	seedPinnedObject(t, database, "favorites", "u1", "Player", &id)
	seedPinnedObject(t, database, "squad", "u2", "Player", nil)

	out, err := runCLI(t, database, cfg, "unpin", "squad")
	if err != nil {
		t.Fatalf("unpin command failed: %v", err)
	}

	var result struct {
		Pin    string `json:"pin"`
		Purged int64  `json:"purged"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	// u2 had only the squad pin; u1 survives under favorites.
	if result.Purged != 1 {
		t.Errorf("expected 1 purged object, got %d", result.Purged)
	}

	names, err := db.PinNames(database)
	if err != nil {
		t.Fatalf("PinNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != "favorites" {
		t.Errorf("remaining pins = %v", names)
	}
}

func TestUnpinCommand_MissingName(t *testing.T) {
	database := setupTestDB(t)

	_, err := runCLI(t, database, config.DefaultConfig(), "unpin")
	if err == nil {
		t.Fatal("unpin without a name should fail")
	}
	if !strings.Contains(err.Error(), "VALIDATION") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestQueueAndDropCommands(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	seq1 := seedCommand(t, database, "p1")
	seedCommand(t, database, "p2")

	out, err := runCLI(t, database, cfg, "queue")
	if err != nil {
		t.Fatalf("queue command failed: %v", err)
	}
	var commands []struct {
		Seq  int64  `json:"seq"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(out), &commands); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if len(commands) != 2 || commands[0].Seq != seq1 {
		t.Fatalf("unexpected queue listing: %+v", commands)
	}

	if _, err := runCLI(t, database, cfg, "drop", "--seq="+strconv.FormatInt(seq1, 10)); err != nil {
		t.Fatalf("drop command failed: %v", err)
	}

	rows, err := db.PendingCommands(database)
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ObjectKey != "p2" {
		t.Errorf("queue after drop = %+v", rows)
	}
}

func TestDropCommand_UnknownSeq(t *testing.T) {
	database := setupTestDB(t)

	_, err := runCLI(t, database, config.DefaultConfig(), "drop", "--seq=42")
	if err == nil {
		t.Fatal("dropping an unknown seq should fail")
	}
	if !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestReplayCommand(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	seedCommand(t, database, "p1")
	seedCommand(t, database, "p2")

	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd wireCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, cmd.ObjectKey)
		_ = json.NewEncoder(w).Encode(wireResponse{ObjectID: "srv-" + cmd.ObjectKey})
	}))
	defer server.Close()

	out, err := runCLI(t, database, cfg, "replay", "--endpoint="+server.URL)
	if err != nil {
		t.Fatalf("replay command failed: %v", err)
	}

	var result struct {
		Completed int  `json:"completed"`
		Failed    int  `json:"failed"`
		Blocked   bool `json:"blocked"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if result.Completed != 2 || result.Blocked {
		t.Errorf("unexpected drain result: %+v", result)
	}
	if len(received) != 2 || received[0] != "p1" || received[1] != "p2" {
		t.Errorf("replay order = %v", received)
	}
}

func TestReplayCommand_BackendRejection(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	seedCommand(t, database, "bad")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	out, err := runCLI(t, database, cfg, "replay", "--endpoint="+server.URL)
	if err != nil {
		t.Fatalf("replay command failed: %v", err)
	}
	if !strings.Contains(out, `"failed": 1`) {
		t.Errorf("rejection should count as failed: %s", out)
	}

	// A permanently rejected command never reappears.
	rows, err := db.PendingCommands(database)
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("queue should be empty, got %+v", rows)
	}
}

func TestStatsCommand(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()

	id := "p1"
	seedPinnedObject(t, database, "squad", "u1", "Player", &id)
	seedCommand(t, database, "p1")

	out, err := runCLI(t, database, cfg, "stats")
	if err != nil {
		t.Fatalf("stats command failed: %v", err)
	}

	var result struct {
		Queue struct {
			Pending int `json:"pending"`
		} `json:"queue"`
		Pins int `json:"pins"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if result.Queue.Pending != 1 || result.Pins != 1 {
		t.Errorf("unexpected stats: %s", out)
	}
}

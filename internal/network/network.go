// Package network defines the contract with the transport collaborator.
// The core never builds wire requests itself; it hands opaque commands to
// a Runner and classifies failures as connectivity (retry later) or
// application rejection (permanent).
package network

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	drifterrors "github.com/driftlock/driftlock/internal/errors"
)

// Command kinds understood by the backend.
const (
	KindSave      = "save"
	KindDelete    = "delete"
	KindSaveEvent = "save_event"
)

// Command is one operation to execute against the backend.
type Command struct {
	Kind         string
	ClassName    string
	ObjectKey    string // server objectID, or local ID for first saves
	Payload      []byte // encoded operation set or event body
	SessionToken string
}

// Response is the backend's answer to a command.
type Response struct {
	ObjectID  string // assigned on first save
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   []byte // server-echoed fields, if any
}

// Runner executes commands remotely. Implementations live outside the
// core (HTTP client, test fake).
type Runner interface {
	Execute(ctx context.Context, cmd *Command) (*Response, error)
}

// IsTransient reports whether err means "the network is unavailable"
// rather than "the backend rejected the operation". Transient failures
// halt replay and are retried; everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if drifterrors.IsConnectivity(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENETDOWN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

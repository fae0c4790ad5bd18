// Package takeover guards who may write to a conversation: the automated
// agent or a human operator holding the per-thread lock. Transitions are a
// single round-trip to the backend and only the authoritative response is
// applied; the client never flips lock state optimistically, because a wrong
// local guess would let two operators believe they both hold the pen.
package takeover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumadesk/operator/internal/inbox"
)

var (
	// ErrReadOnly means the conversation is in bot mode and the composer is closed.
	ErrReadOnly = errors.New("conversation is bot-controlled")
	// ErrNotHolder means another operator holds the human lock.
	ErrNotHolder = errors.New("conversation locked by another operator")
)

// Request asks the backend to move a thread into the given mode.
type Request struct {
	Mode       inbox.TakeoverMode `json:"mode"`
	OperatorID string             `json:"operator_id,omitempty"`
	Force      bool               `json:"force,omitempty"`
}

// Result is the authoritative backend answer to a transition request.
type Result struct {
	Mode   inbox.TakeoverMode `json:"mode"`
	Thread inbox.Thread       `json:"thread"`
}

// Transitioner issues the takeover round-trip. Implemented by the backend client.
type Transitioner interface {
	Takeover(ctx context.Context, key inbox.ThreadKey, req Request) (Result, error)
}

// CanSend reports whether the operator may compose in this thread: human mode
// with the lock held by the operator themselves, nothing else.
func CanSend(t inbox.Thread, operatorID string) bool {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return false
	}
	return t.Takeover.Mode == inbox.ModeHuman && t.Takeover.LockHolder == operatorID
}

// IsLockedByOther reports whether a different operator holds the human lock,
// which renders the thread read-only for the caller.
func IsLockedByOther(t inbox.Thread, operatorID string) bool {
	return t.Takeover.Mode == inbox.ModeHuman &&
		t.Takeover.LockHolder != "" &&
		t.Takeover.LockHolder != strings.TrimSpace(operatorID)
}

// GateSend classifies why sending is denied, or returns nil when it is legal.
func GateSend(t inbox.Thread, operatorID string) error {
	if CanSend(t, operatorID) {
		return nil
	}
	if IsLockedByOther(t, operatorID) {
		return fmt.Errorf("%w (holder %s)", ErrNotHolder, t.Takeover.LockHolder)
	}
	return ErrReadOnly
}

// Machine drives server-confirmed transitions between bot and human control.
// It holds no lock state of its own; the confirmed thread is returned for the
// caller to install in the directory.
type Machine struct {
	client Transitioner
	logger *slog.Logger
}

// NewMachine creates a takeover machine over the given backend client.
func NewMachine(log *slog.Logger, client Transitioner) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		client: client,
		logger: log.With(slog.String("component", "takeover")),
	}
}

// RequestHuman asks the backend to hand the thread to the operator. With
// force set, an existing lock held by another operator is overridden
// (backend permitting).
func (m *Machine) RequestHuman(ctx context.Context, key inbox.ThreadKey, operatorID string, force bool) (inbox.Thread, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return inbox.Thread{}, fmt.Errorf("operator id is required")
	}
	return m.request(ctx, key, Request{Mode: inbox.ModeHuman, OperatorID: operatorID, Force: force})
}

// RequestBot returns the thread to automated control.
func (m *Machine) RequestBot(ctx context.Context, key inbox.ThreadKey) (inbox.Thread, error) {
	return m.request(ctx, key, Request{Mode: inbox.ModeBot})
}

// Toggle requests the opposite of the thread's current mode.
func (m *Machine) Toggle(ctx context.Context, current inbox.Thread, operatorID string, force bool) (inbox.Thread, error) {
	if current.Takeover.Mode == inbox.ModeHuman {
		return m.RequestBot(ctx, current.Key())
	}
	return m.RequestHuman(ctx, current.Key(), operatorID, force)
}

func (m *Machine) request(ctx context.Context, key inbox.ThreadKey, req Request) (inbox.Thread, error) {
	if m.client == nil {
		return inbox.Thread{}, fmt.Errorf("takeover client not configured")
	}
	result, err := m.client.Takeover(ctx, key, req)
	if err != nil {
		// Prior state stays untouched; the caller surfaces the error.
		m.logger.Warn("takeover request failed",
			slog.String("contact_id", key.ContactID),
			slog.String("mode", string(req.Mode)),
			slog.Any("error", err),
		)
		return inbox.Thread{}, err
	}
	thread := result.Thread
	if thread.ContactID == "" {
		thread = inbox.Thread{AgentID: key.AgentID, Channel: key.Channel, ContactID: key.ContactID}
	}
	if result.Mode != "" {
		thread.Takeover.Mode = result.Mode
	}
	m.logger.Info("takeover confirmed",
		slog.String("contact_id", key.ContactID),
		slog.String("mode", string(thread.Takeover.Mode)),
		slog.String("lock_holder", thread.Takeover.LockHolder),
	)
	return thread, nil
}

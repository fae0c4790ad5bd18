// Package session owns the live inbox state for one operator connection. All
// mutation of the directory and the open-thread store happens on a single
// goroutine driven by Run; public methods and realtime handlers post closures
// to that loop and wait, so the projection structures need no locks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumadesk/operator/internal/backend"
	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/media"
	"github.com/lumadesk/operator/internal/realtime"
	"github.com/lumadesk/operator/internal/takeover"
)

const routerSubscriberID = "session"

var (
	// ErrStale means a fetch response arrived after the operator moved on to
	// another thread and was discarded.
	ErrStale = errors.New("response superseded by a newer thread switch")
	// ErrNoThread means the operation needs an open or known thread.
	ErrNoThread = errors.New("no such thread")
	// ErrNoAttachment means a media send was requested with an empty slot.
	ErrNoAttachment = errors.New("no attachment staged")
	// ErrClosed means the session loop is no longer running.
	ErrClosed = errors.New("session closed")
)

// Backend is the slice of the HTTP client the session uses.
type Backend interface {
	ListThreads(ctx context.Context, agentID string, channel inbox.Channel) ([]inbox.Thread, error)
	ThreadMessages(ctx context.Context, key inbox.ThreadKey, query backend.ThreadMessagesQuery) (backend.ThreadMessagesResult, error)
	Send(ctx context.Context, key inbox.ThreadKey, body backend.SendBody) (backend.SendResult, error)
	MarkRead(ctx context.Context, key inbox.ThreadKey) (int, error)
	Takeover(ctx context.Context, key inbox.ThreadKey, req takeover.Request) (takeover.Result, error)
}

type task struct {
	fn   func()
	done chan struct{}
}

// Controller coordinates REST fetches, sends, takeover transitions, and
// realtime merges for one (agent, channel) inbox scope.
//
// Thread switches are guarded by an epoch counter: every OpenThread bumps it,
// and a history response is applied only if the epoch it was issued under is
// still current. A slow response for a thread the operator already left is
// dropped instead of overwriting the newer transcript.
type Controller struct {
	logger     *slog.Logger
	client     Backend
	machine    *takeover.Machine
	operatorID string
	pageSize   int

	tasks  chan task
	closed chan struct{}

	// Loop-confined state below; touched only from Run.
	directory   *inbox.Directory
	store       *inbox.MessageStore
	attachments media.Slot
	current     inbox.ThreadKey
	hasOpen     bool
	epoch       uint64
}

// Options configure a session controller.
type Options struct {
	AgentID    string
	Channel    inbox.Channel
	OperatorID string
	PageSize   int
}

// NewController creates a session for one inbox scope. Run must be started
// before any other method is called.
func NewController(log *slog.Logger, client Backend, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	logger := log.With(slog.String("component", "session"),
		slog.String("agent_id", opts.AgentID),
		slog.String("channel", opts.Channel.String()),
	)
	return &Controller{
		logger:     logger,
		client:     client,
		machine:    takeover.NewMachine(log, client),
		operatorID: strings.TrimSpace(opts.OperatorID),
		pageSize:   opts.PageSize,
		tasks:      make(chan task),
		closed:     make(chan struct{}),
		directory:  inbox.NewDirectory(opts.AgentID, opts.Channel),
		store:      inbox.NewMessageStore(),
	}
}

// Run drives the session loop until the context is canceled. All state
// mutation happens here. Once Run returns, every pending and future post
// fails with ErrClosed, so realtime handlers caught mid-dispatch during
// shutdown do not block.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.closed)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-c.tasks:
			t.fn()
			close(t.done)
		}
	}
}

// run posts a closure to the loop and waits for it to execute.
func (c *Controller) run(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case c.tasks <- t:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrClosed, ctx.Err())
	}
	select {
	case <-t.done:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		// The closure may still execute; the caller just stops waiting.
		return ctx.Err()
	}
}

// Refresh replaces the directory with a full listing from the backend.
func (c *Controller) Refresh(ctx context.Context) error {
	threads, err := c.client.ListThreads(ctx, c.directory.AgentID(), c.directory.Channel())
	if err != nil {
		return fmt.Errorf("refresh threads: %w", err)
	}
	return c.run(ctx, func() {
		c.directory.Replace(threads)
	})
}

// Threads returns the ordered conversation list.
func (c *Controller) Threads(ctx context.Context) ([]inbox.Thread, error) {
	var out []inbox.Thread
	err := c.run(ctx, func() {
		out = c.directory.Threads()
	})
	return out, err
}

// CurrentThread returns the open thread's directory entry, if one is open.
func (c *Controller) CurrentThread(ctx context.Context) (inbox.Thread, bool, error) {
	var (
		thread inbox.Thread
		ok     bool
	)
	err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		thread, ok = c.directory.Get(c.current.ContactID)
	})
	return thread, ok, err
}

// Messages returns the display view of the open thread's transcript.
func (c *Controller) Messages(ctx context.Context) ([]inbox.Message, error) {
	var out []inbox.Message
	err := c.run(ctx, func() {
		out = c.store.ViewForDisplay()
	})
	return out, err
}

// OpenThread switches to a conversation and loads its latest history page.
// The previous transcript is discarded; any in-flight fetch for it becomes
// stale and will be dropped when it lands.
func (c *Controller) OpenThread(ctx context.Context, contactID string) (inbox.Thread, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return inbox.Thread{}, fmt.Errorf("contact id is required")
	}
	var (
		key     inbox.ThreadKey
		issued  uint64
		current inbox.Thread
	)
	if err := c.run(ctx, func() {
		thread, ok := c.directory.Get(contactID)
		if !ok {
			// Opening an unseen contact is legal; realtime may know it
			// before the directory refresh does.
			thread = inbox.Thread{
				AgentID:   c.directory.AgentID(),
				Channel:   c.directory.Channel(),
				ContactID: contactID,
				Takeover:  inbox.TakeoverState{Mode: inbox.ModeBot},
			}
		}
		c.epoch++
		issued = c.epoch
		c.current = thread.Key()
		c.hasOpen = true
		c.store.Replace(nil)
		key = thread.Key()
		current = thread
	}); err != nil {
		return inbox.Thread{}, err
	}

	result, err := c.client.ThreadMessages(ctx, key, backend.ThreadMessagesQuery{Limit: c.pageSize})
	if err != nil {
		return current, fmt.Errorf("load history: %w", err)
	}

	var (
		stale  bool
		unread int
	)
	if err := c.run(ctx, func() {
		if issued != c.epoch {
			stale = true
			return
		}
		c.store.Replace(result.Messages)
		if result.Thread.ContactID != "" {
			current = c.directory.UpsertFromRealtime(result.Thread)
		}
		unread = current.UnreadCount
	}); err != nil {
		return current, err
	}
	if stale {
		return current, ErrStale
	}

	if unread > 0 {
		confirmed, err := c.client.MarkRead(ctx, key)
		if err != nil {
			c.logger.Warn("mark read failed", slog.String("contact_id", key.ContactID), slog.Any("error", err))
			return current, nil
		}
		_ = c.run(ctx, func() {
			if issued != c.epoch {
				return
			}
			if updated, ok := c.directory.MarkRead(key.ContactID, confirmed); ok {
				current = updated
			}
		})
	}
	return current, nil
}

// LoadOlder fetches the page before the oldest loaded message and merges it.
// Returns the number of messages added.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	var (
		key    inbox.ThreadKey
		issued uint64
		before int64
		open   bool
	)
	if err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		open = true
		key = c.current
		issued = c.epoch
		if oldest, ok := c.store.Oldest(); ok {
			before = oldest.Timestamp
		}
	}); err != nil {
		return 0, err
	}
	if !open {
		return 0, ErrNoThread
	}

	result, err := c.client.ThreadMessages(ctx, key, backend.ThreadMessagesQuery{Limit: c.pageSize, Before: before})
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}

	added := 0
	stale := false
	if err := c.run(ctx, func() {
		if issued != c.epoch {
			stale = true
			return
		}
		added = c.store.MergeOlder(result.Messages)
	}); err != nil {
		return 0, err
	}
	if stale {
		return 0, ErrStale
	}
	return added, nil
}

// MarkRead clears the open thread's unread counter. Only the server-confirmed
// count is applied, and only downward, so a read racing an inbound burst never
// hides fresh messages.
func (c *Controller) MarkRead(ctx context.Context) (inbox.Thread, error) {
	var (
		key  inbox.ThreadKey
		open bool
	)
	if err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		open = true
		key = c.current
	}); err != nil {
		return inbox.Thread{}, err
	}
	if !open {
		return inbox.Thread{}, ErrNoThread
	}

	confirmed, err := c.client.MarkRead(ctx, key)
	if err != nil {
		return inbox.Thread{}, fmt.Errorf("mark read: %w", err)
	}
	var out inbox.Thread
	_ = c.run(ctx, func() {
		if updated, ok := c.directory.MarkRead(key.ContactID, confirmed); ok {
			out = updated
		}
	})
	return out, nil
}

// SendText sends a text message in the open thread. The message appears in
// the transcript immediately and is never retracted; a failed delivery is
// surfaced as an error while the optimistic entry stays until the next
// authoritative history load settles it.
func (c *Controller) SendText(ctx context.Context, text string) (inbox.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return inbox.Message{}, fmt.Errorf("message text is required")
	}
	msg := inbox.Message{
		Role:      inbox.RoleAssistant,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
		Profile:   &inbox.Profile{Source: inbox.SourceHuman},
		ClientID:  uuid.NewString(),
	}

	var (
		key  inbox.ThreadKey
		open bool
		gate error
	)
	if err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		open = true
		key = c.current
		thread, ok := c.directory.Get(key.ContactID)
		if !ok {
			gate = takeover.ErrReadOnly
			return
		}
		if gate = takeover.GateSend(thread, c.operatorID); gate != nil {
			return
		}
		c.store.MergeNewer([]inbox.Message{msg})
		c.directory.ApplyMessageEvent(key.ContactID, msg, inbox.DirectionOutbound)
	}); err != nil {
		return inbox.Message{}, err
	}
	if !open {
		return inbox.Message{}, ErrNoThread
	}
	if gate != nil {
		return inbox.Message{}, gate
	}

	if _, err := c.client.Send(ctx, key, backend.TextBody(msg.ClientID, text)); err != nil {
		c.logger.Warn("text send failed",
			slog.String("contact_id", key.ContactID),
			slog.String("client_id", msg.ClientID),
			slog.Any("error", err),
		)
		return msg, fmt.Errorf("send text: %w", err)
	}
	return msg, nil
}

// StageAttachment encodes and stages media for the next attachment send,
// replacing any previously staged one.
func (c *Controller) StageAttachment(ctx context.Context, att media.PendingAttachment) error {
	return c.run(ctx, func() {
		c.attachments.Set(att)
	})
}

// StagedAttachment returns the staged attachment, if any.
func (c *Controller) StagedAttachment(ctx context.Context) (media.PendingAttachment, bool, error) {
	var (
		att media.PendingAttachment
		ok  bool
	)
	err := c.run(ctx, func() {
		att, ok = c.attachments.Get()
	})
	return att, ok, err
}

// DiscardAttachment drops the staged attachment.
func (c *Controller) DiscardAttachment(ctx context.Context) error {
	return c.run(ctx, func() {
		c.attachments.Clear()
	})
}

// SendAttachment delivers the staged attachment. Unlike text, nothing is
// added to the transcript until the backend acknowledges: media sends are
// slow and failure-prone enough that a phantom entry would mislead more than
// it helps. The slot is consumed only on success.
func (c *Controller) SendAttachment(ctx context.Context) (inbox.Message, error) {
	var (
		key    inbox.ThreadKey
		open   bool
		gate   error
		att    media.PendingAttachment
		staged bool
	)
	if err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		open = true
		key = c.current
		thread, ok := c.directory.Get(key.ContactID)
		if !ok {
			gate = takeover.ErrReadOnly
			return
		}
		if gate = takeover.GateSend(thread, c.operatorID); gate != nil {
			return
		}
		att, staged = c.attachments.Get()
	}); err != nil {
		return inbox.Message{}, err
	}
	if !open {
		return inbox.Message{}, ErrNoThread
	}
	if gate != nil {
		return inbox.Message{}, gate
	}
	if !staged {
		return inbox.Message{}, ErrNoAttachment
	}

	clientID := uuid.NewString()
	result, err := c.client.Send(ctx, key, backend.AttachmentBody(clientID, att))
	if err != nil {
		return inbox.Message{}, fmt.Errorf("send attachment: %w", err)
	}

	msg := result.Message
	if !msg.Valid() {
		msg = inbox.Message{
			Role:      inbox.RoleAssistant,
			Content:   att.Caption,
			Timestamp: result.Timestamp,
			Profile: &inbox.Profile{
				Source: inbox.SourceHuman,
				Media:  &inbox.MediaRef{Kind: string(att.Kind), Mime: att.Mime},
			},
			ClientID: clientID,
		}
	}
	_ = c.run(ctx, func() {
		c.attachments.Clear()
		if c.hasOpen && c.current == key && msg.Valid() {
			c.store.MergeNewer([]inbox.Message{msg})
			c.directory.ApplyMessageEvent(key.ContactID, msg, inbox.DirectionOutbound)
		}
	})
	return msg, nil
}

// ToggleTakeover flips the open thread between bot and human control. Only
// the server-confirmed result is applied.
func (c *Controller) ToggleTakeover(ctx context.Context, force bool) (inbox.Thread, error) {
	var (
		current inbox.Thread
		open    bool
	)
	if err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		thread, ok := c.directory.Get(c.current.ContactID)
		if !ok {
			return
		}
		open = true
		current = thread
	}); err != nil {
		return inbox.Thread{}, err
	}
	if !open {
		return inbox.Thread{}, ErrNoThread
	}

	confirmed, err := c.machine.Toggle(ctx, current, c.operatorID, force)
	if err != nil {
		return current, err
	}
	_ = c.run(ctx, func() {
		if updated, ok := c.directory.SetTakeover(confirmed.ContactID, confirmed.Takeover); ok {
			confirmed = updated
		} else {
			confirmed = c.directory.UpsertFromRealtime(confirmed)
		}
	})
	return confirmed, nil
}

// CanSend reports whether the composer is writable for the open thread.
func (c *Controller) CanSend(ctx context.Context) (bool, error) {
	var can bool
	err := c.run(ctx, func() {
		if !c.hasOpen {
			return
		}
		if thread, ok := c.directory.Get(c.current.ContactID); ok {
			can = takeover.CanSend(thread, c.operatorID)
		}
	})
	return can, err
}

// messageEvent is the realtime push for a new message on some thread.
type messageEvent struct {
	ContactID string          `json:"contact_id"`
	Direction inbox.Direction `json:"direction"`
	Message   inbox.Message   `json:"message"`
}

// takeoverEvent is the realtime push for a control transition.
type takeoverEvent struct {
	ContactID string              `json:"contact_id"`
	Takeover  inbox.TakeoverState `json:"takeover"`
}

// Attach subscribes the session to the realtime router. Handlers run on the
// connection's read goroutine and post merges to the session loop, keeping
// event application ordered with every other mutation.
func (c *Controller) Attach(router *realtime.Router) {
	router.On(realtime.EventInboxMessage, routerSubscriberID, func(payload json.RawMessage) {
		var event messageEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.logger.Debug("inbox message event discarded", slog.Any("error", err))
			return
		}
		if event.Direction == "" {
			event.Direction = inbox.DirectionInbound
		}
		_ = c.run(context.Background(), func() {
			c.directory.ApplyMessageEvent(event.ContactID, event.Message, event.Direction)
			if c.hasOpen && c.current.ContactID == event.ContactID {
				c.store.MergeNewer([]inbox.Message{event.Message})
			}
		})
	})
	router.On(realtime.EventThreadUpdated, routerSubscriberID, func(payload json.RawMessage) {
		var thread inbox.Thread
		if err := json.Unmarshal(payload, &thread); err != nil {
			c.logger.Debug("thread update event discarded", slog.Any("error", err))
			return
		}
		_ = c.run(context.Background(), func() {
			c.directory.UpsertFromRealtime(thread)
		})
	})
	router.On(realtime.EventTakeoverChange, routerSubscriberID, func(payload json.RawMessage) {
		var event takeoverEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.logger.Debug("takeover event discarded", slog.Any("error", err))
			return
		}
		_ = c.run(context.Background(), func() {
			c.directory.SetTakeover(event.ContactID, event.Takeover)
		})
	})
}

// Detach removes the session's realtime subscriptions.
func (c *Controller) Detach(router *realtime.Router) {
	router.Off(realtime.EventInboxMessage, routerSubscriberID)
	router.Off(realtime.EventThreadUpdated, routerSubscriberID)
	router.Off(realtime.EventTakeoverChange, routerSubscriberID)
}

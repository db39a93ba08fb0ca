package fleet

import (
	"context"
	"time"
)

// Router resolves tablet identities to live connections and forwards
// one-way commands to them.
//
// Dispatch is fire-and-forget: the command is written to the connection
// exactly once with no acknowledgment wait, and every dispatch attempt is
// recorded in the command log regardless of whether the device ever acts on
// it. Execution results, when a tablet reports them, arrive as independent
// command-result events with no link back to the originating dispatch.
type Router struct {
	registry *Registry
	repo     Repository
	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// NewRouter creates a command router over the given registry.
func NewRouter(registry *Registry, repo Repository, notifier Notifier) *Router {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Router{
		registry: registry,
		repo:     repo,
		notifier: notifier,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the router.
func (rt *Router) SetLogger(logger Logger) {
	rt.logger = logger
}

// Dispatch sends a command to the tablet registered under tabletID.
//
// If no live connection has registered that id, ErrTabletNotFound is
// returned and nothing is sent or logged; the caller reports a user-visible
// failure and nothing is retried or queued. Otherwise the command is sent
// once and a command-log entry is appended via the persistence gateway,
// fire-and-forget - logging happens even though delivery to the device
// cannot be confirmed synchronously.
func (rt *Router) Dispatch(tabletID, command string, params map[string]any, sourceAddr string) error {
	conn, err := rt.registry.lookupConn(tabletID)
	if err != nil {
		return err
	}

	msg := CommandMessage{
		Type:    "command",
		Command: command,
		Params:  params,
	}
	if sendErr := conn.Send(msg); sendErr != nil {
		// Best-effort delivery; the connection's own lifecycle handles a
		// dead peer. The dispatch attempt is still logged.
		rt.logger.Warn("command send failed", "tablet_id", tabletID, "command", command, "error", sendErr)
	}

	entry := &CommandLogEntry{
		TabletID:   tabletID,
		Command:    command,
		Params:     deepCopyMap(params),
		SourceAddr: sourceAddr,
		CreatedAt:  rt.now().UTC(),
	}

	rt.logger.Info("command dispatched", "tablet_id", tabletID, "command", command, "source", sourceAddr)
	rt.appendLogAsync(entry)

	return nil
}

// HandleResult processes a command execution report emitted by a tablet.
//
// The result is broadcast to observers as an independent command-result
// event (excluding the emitting connection) and the persistence gateway
// fills in the most recent matching command-log row, best-effort. No
// attempt is made to correlate the result back to a dispatch call.
func (rt *Router) HandleResult(connID string, res CommandResult) {
	rt.logger.Info("command result received",
		"tablet_id", res.TabletID,
		"command", res.Command,
		"success", res.Success,
	)

	rt.notifier.Notify(Event{Type: EventCommandResult, Payload: res}, connID)

	if rt.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rt.repo.RecordCommandResult(ctx, res.TabletID, res.Command, res.Success, res.Message); err != nil {
			rt.logger.Warn("command result write failed", "tablet_id", res.TabletID, "error", err)
		}
	}()
}

// appendLogAsync appends a command-log entry, fire-and-forget.
func (rt *Router) appendLogAsync(entry *CommandLogEntry) {
	if rt.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rt.repo.AppendCommandLog(ctx, entry); err != nil {
			rt.logger.Warn("command log write failed", "tablet_id", entry.TabletID, "error", err)
		}
	}()
}

package fleet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// persistTimeout bounds each fire-and-forget persistence write.
const persistTimeout = 5 * time.Second

// Logger defines the logging interface used by the fleet components.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// noopNotifier is a notifier that does nothing.
type noopNotifier struct{}

func (noopNotifier) Notify(Event, string) {}

// binding associates one live connection with one tablet record.
type binding struct {
	conn   Conn
	tablet *Tablet
}

// Registry is the authoritative in-memory map of currently-connected tablets.
//
// Bindings are keyed by the ephemeral connection handle; a secondary index
// maps tablet identity to the connection that most recently registered it,
// giving constant-time routing. Every mutation runs to completion under the
// registry lock, then triggers an observer broadcast and a fire-and-forget
// persistence write. The persistence gateway is never awaited: the in-memory
// state is the source of truth, and two rapid updates to the same tablet may
// reach storage out of order.
//
// All public methods are thread-safe.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*binding // by connection handle
	byTablet map[string]string   // tablet id -> connection handle (last registered wins)

	repo     Repository
	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// NewRegistry creates a new tablet registry.
// The repository receives best-effort write-through copies of every mutation;
// the notifier receives one event per state change.
func NewRegistry(repo Repository, notifier Notifier) *Registry {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Registry{
		bindings: make(map[string]*binding),
		byTablet: make(map[string]string),
		repo:     repo,
		notifier: notifier,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock overrides the registry's time source.
// Used by tests to make staleness behaviour deterministic.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register builds or overwrites the record bound to the given connection.
//
// Fields present in the payload overwrite the record; fields absent from the
// payload keep their prior values when the connection re-registers. On a
// fresh binding the tablet id defaults to the connection handle and the
// display name to a derived placeholder. The record always comes out online
// with a fresh last-seen timestamp. Register is a pure upsert and cannot
// fail.
//
// If the tablet id is already registered by another live connection, the new
// registration wins the routing index; the older binding stays in the active
// set until its own disconnect or eviction.
func (r *Registry) Register(conn Conn, p RegisterPayload) *Tablet {
	connID := conn.ID()

	r.mu.Lock()

	var t *Tablet
	if b, ok := r.bindings[connID]; ok {
		t = b.tablet
		// Re-registration may change the logical identity; drop the stale
		// index entry so it cannot route to this connection under the old id.
		if p.TabletID != nil && *p.TabletID != t.TabletID && r.byTablet[t.TabletID] == connID {
			r.repairIndexLocked(t.TabletID, connID)
		}
	} else {
		t = &Tablet{TabletID: connID}
	}

	if p.TabletID != nil {
		t.TabletID = *p.TabletID
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.IP != nil {
		t.IP = *p.IP
	}
	if p.CurrentURL != nil {
		t.CurrentURL = *p.CurrentURL
	}
	if p.Uptime != nil {
		t.Uptime = *p.Uptime
	}
	if p.Stats != nil {
		t.Stats = deepCopyMap(p.Stats)
	}
	if t.Name == "" {
		t.Name = "Tablet " + t.TabletID
	}
	t.Status = StatusOnline
	t.LastSeen = r.now().UTC()
	t.ConnID = connID

	r.bindings[connID] = &binding{conn: conn, tablet: t}
	r.byTablet[t.TabletID] = connID

	result := t.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("tablet registered", "tablet_id", result.TabletID, "conn_id", connID, "name", result.Name)
	r.notifier.Notify(Event{Type: EventTabletOnline, Payload: result}, connID)
	r.persistAsync("upsert", func(ctx context.Context) error {
		return r.repo.UpsertTablet(ctx, result)
	})

	return result.DeepCopy()
}

// UpdateStatus merges a status report into the record bound to connID.
//
// Only fields present in the payload are overwritten. Returns
// ErrTabletNotFound if no record is bound to the connection; callers treat
// that as a no-op rather than an error surfaced to the remote peer.
func (r *Registry) UpdateStatus(connID string, p StatusPayload) (*Tablet, error) {
	r.mu.Lock()

	b, ok := r.bindings[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTabletNotFound
	}

	b.tablet.applyStatus(p)
	b.tablet.LastSeen = r.now().UTC()

	result := b.tablet.DeepCopy()
	r.mu.Unlock()

	r.logger.Debug("tablet status updated", "tablet_id", result.TabletID, "conn_id", connID)
	r.notifier.Notify(Event{Type: EventTabletStatusChanged, Payload: result}, connID)
	r.persistAsync("upsert", func(ctx context.Context) error {
		return r.repo.UpsertTablet(ctx, result)
	})

	return result.DeepCopy(), nil
}

// Remove marks the record bound to connID offline, removes the binding from
// the active set, and returns the final record for notification purposes.
//
// The status transition to offline always happens before the entry leaves
// the active set, and the offline state is written through to the gateway.
func (r *Registry) Remove(connID string) (*Tablet, error) {
	r.mu.Lock()

	b, ok := r.bindings[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTabletNotFound
	}

	b.tablet.Status = StatusOffline
	b.tablet.LastSeen = r.now().UTC()
	b.tablet.ConnID = ""
	delete(r.bindings, connID)

	if r.byTablet[b.tablet.TabletID] == connID {
		r.repairIndexLocked(b.tablet.TabletID, connID)
	}

	result := b.tablet.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("tablet removed", "tablet_id", result.TabletID, "conn_id", connID)
	r.notifier.Notify(Event{Type: EventTabletOffline, Payload: result}, connID)
	r.persistAsync("mark offline", func(ctx context.Context) error {
		return r.repo.UpsertTablet(ctx, result)
	})

	return result.DeepCopy(), nil
}

// Lookup resolves a tablet id to its active record.
// Returns ErrTabletNotFound if no live connection has registered that id.
// The returned record is a deep copy; callers can safely modify it.
func (r *Registry) Lookup(tabletID string) (*Tablet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.byTablet[tabletID]
	if !ok {
		return nil, ErrTabletNotFound
	}
	return r.bindings[connID].tablet.DeepCopy(), nil
}

// lookupConn resolves a tablet id to its live connection for dispatch.
func (r *Registry) lookupConn(tabletID string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.byTablet[tabletID]
	if !ok {
		return nil, ErrTabletNotFound
	}
	return r.bindings[connID].conn, nil
}

// Snapshot returns a read-only copy of all active records, sorted by tablet
// id for stable output. Used to answer the dashboard's full-state queries.
func (r *Registry) Snapshot() []Tablet {
	r.mu.Lock()
	defer r.mu.Unlock()

	tablets := make([]Tablet, 0, len(r.bindings))
	for _, b := range r.bindings {
		tablets = append(tablets, *b.tablet.DeepCopy())
	}
	sort.Slice(tablets, func(i, j int) bool {
		return tablets[i].TabletID < tablets[j].TabletID
	})
	return tablets
}

// ActiveCount returns the number of live bindings.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// EvictStale removes every binding whose last report is older than cutoff,
// applying the same effect as Remove to each: offline transition, persisted
// write-through, and exactly one offline event per evicted tablet.
//
// Returns the evicted records. A clean disconnect has already removed its
// binding, so this only catches connections that died silently.
func (r *Registry) EvictStale(cutoff time.Time) []Tablet {
	r.mu.Lock()

	now := r.now().UTC()
	var evicted []*Tablet
	for connID, b := range r.bindings {
		if !b.tablet.LastSeen.Before(cutoff) {
			continue
		}

		b.tablet.Status = StatusOffline
		b.tablet.LastSeen = now
		b.tablet.ConnID = ""
		delete(r.bindings, connID)
		if r.byTablet[b.tablet.TabletID] == connID {
			r.repairIndexLocked(b.tablet.TabletID, connID)
		}
		evicted = append(evicted, b.tablet.DeepCopy())
	}
	r.mu.Unlock()

	results := make([]Tablet, 0, len(evicted))
	for _, t := range evicted {
		t := t
		r.logger.Info("tablet evicted as stale", "tablet_id", t.TabletID, "last_seen", t.LastSeen)
		r.notifier.Notify(Event{Type: EventTabletOffline, Payload: t}, "")
		r.persistAsync("mark offline", func(ctx context.Context) error {
			return r.repo.UpsertTablet(ctx, t)
		})
		results = append(results, *t.DeepCopy())
	}
	return results
}

// repairIndexLocked re-points the tablet id index after the binding it
// referenced was removed or renamed. Any surviving binding with the same id
// takes over; otherwise the index entry is dropped. Caller must hold r.mu.
func (r *Registry) repairIndexLocked(tabletID, removedConnID string) {
	for connID, b := range r.bindings {
		if connID != removedConnID && b.tablet.TabletID == tabletID {
			r.byTablet[tabletID] = connID
			return
		}
	}
	delete(r.byTablet, tabletID)
}

// persistAsync issues a fire-and-forget write against the persistence
// gateway. Failures are logged and swallowed; the in-memory registry
// remains the source of truth even when persistence is unavailable.
func (r *Registry) persistAsync(op string, fn func(ctx context.Context) error) {
	if r.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("persistence write failed", "op", op, "error", err)
		}
	}()
}

package fleet

import "time"

// Status represents a tablet's reachability state.
type Status string

// Status constants.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Stats holds an opaque, device-reported key/value blob.
//
// Examples:
//   - {"battery": 87, "freeMemMb": 412, "appVersion": "2.4.1"}
//
// The core never interprets these fields; numeric values are additionally
// forwarded to the telemetry sink when one is configured.
type Stats map[string]any

// Tablet represents one remote display device tracked by the fleet.
//
// TabletID is the stable logical identity chosen by the device (or defaulted
// to its connection handle on first registration). ConnID is the ephemeral
// transport handle of the live connection and is only meaningful while that
// connection is open; it is never persisted.
type Tablet struct {
	TabletID   string    `json:"tabletId"`
	Name       string    `json:"name"`
	IP         string    `json:"ip,omitempty"`
	Status     Status    `json:"status"`
	CurrentURL string    `json:"currentUrl,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
	Stats      Stats     `json:"stats,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
	ConnID     string    `json:"connId,omitempty"`
}

// DeepCopy creates a complete independent copy of the Tablet.
// The Stats map is cloned so modifications to the copy do not affect
// the original. This is essential for registry isolation.
func (t *Tablet) DeepCopy() *Tablet {
	if t == nil {
		return nil
	}

	cpy := *t // Shallow copy of value fields
	cpy.Stats = deepCopyMap(t.Stats)
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, float64, etc.) are safe to copy by value
		return v
	}
}

// RegisterPayload carries the fields a tablet may supply when registering.
// All fields are optional; absent fields are defaulted by the registry.
// Pointer types distinguish "absent" from "present but empty".
type RegisterPayload struct {
	TabletID   *string `json:"tabletId,omitempty"`
	Name       *string `json:"name,omitempty"`
	IP         *string `json:"ip,omitempty"`
	CurrentURL *string `json:"currentUrl,omitempty"`
	Uptime     *string `json:"uptime,omitempty"`
	Stats      Stats   `json:"stats,omitempty"`
}

// StatusPayload carries a periodic status report from a tablet.
// Only fields present in the payload are merged into the record.
type StatusPayload struct {
	CurrentURL *string `json:"currentUrl,omitempty"`
	Uptime     *string `json:"uptime,omitempty"`
	Stats      Stats   `json:"stats,omitempty"`
}

// applyStatus merges only the fields present in the payload into the record.
func (t *Tablet) applyStatus(p StatusPayload) {
	if p.CurrentURL != nil {
		t.CurrentURL = *p.CurrentURL
	}
	if p.Uptime != nil {
		t.Uptime = *p.Uptime
	}
	if p.Stats != nil {
		t.Stats = deepCopyMap(p.Stats)
	}
}

// CommandResult is a command execution report emitted by a tablet.
//
// Results are intentionally uncorrelated with the dispatch that caused them:
// they are broadcast to observers as independent events, tagged only with
// the emitting tablet's identity.
type CommandResult struct {
	TabletID string `json:"tabletId"`
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// CommandMessage is the one-way command frame sent to a tablet connection.
type CommandMessage struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// CommandLogEntry is one append-only row in the command log.
//
// Success and Response are filled in later, best-effort, if an execution
// result from the same tablet for the same command is received.
type CommandLogEntry struct {
	ID         int64          `json:"id"`
	TabletID   string         `json:"tabletId"`
	Command    string         `json:"command"`
	Params     map[string]any `json:"params,omitempty"`
	SourceAddr string         `json:"sourceAddr,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Response   *string        `json:"response,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Event kinds broadcast to observers.
const (
	EventTabletOnline        = "device-online"
	EventTabletStatusChanged = "device-status-changed"
	EventTabletOffline       = "device-offline"
	EventCommandResult       = "command-result"
)

// Event is one broadcastable fleet state change.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Notifier fans out fleet events to connected observers.
//
// Delivery is best-effort and unordered across observers; there is no
// delivery confirmation, no retry, and no replay for late joiners. The
// event is never delivered to the connection identified by excludeConn
// (normally the originator of the underlying state change).
type Notifier interface {
	Notify(event Event, excludeConn string)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(event Event, excludeConn string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(event Event, excludeConn string) {
	f(event, excludeConn)
}

// MultiNotifier fans one event out to several notifiers in order.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(event Event, excludeConn string) {
	for _, n := range m {
		n.Notify(event, excludeConn)
	}
}

// Conn is one live tablet connection.
//
// ID returns the ephemeral transport handle; it has no meaning once the
// connection closes and is never reused as a stable key across reconnects.
// Send delivers a message without waiting for acknowledgment.
type Conn interface {
	ID() string
	Send(v any) error
}

package mesh

import (
	"sync"
	"time"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// NodeHealth is the liveness state of one storage node.
type NodeHealth struct {
	Address       protocol.Address `json:"address"`
	Online        bool             `json:"online"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// Health event types.
const (
	EventNodeOnline  = "node_online"
	EventNodeOffline = "node_offline"
)

// Event records a node changing liveness state.
type Event struct {
	Type string    `json:"type"`
	Node string    `json:"node"`
	At   time.Time `json:"at"`
}

// Tracker is an in-memory registry of storage nodes and their health. Entries
// are never removed; only Sweep turns a node offline and only Heartbeat turns
// it back online.
type Tracker struct {
	mu      sync.RWMutex
	nodes   map[string]*NodeHealth
	order   []string // registration order, keeps Healthy deterministic
	now     func() time.Time
	onEvent func(Event)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithEvents registers a callback invoked for every liveness transition. The
// callback runs with the tracker lock held and must not call back into it.
func WithEvents(fn func(Event)) TrackerOption {
	return func(t *Tracker) { t.onEvent = fn }
}

// NewTracker creates a Tracker seeded with the configured nodes. Seeded nodes
// start online with a fresh timestamp, so each gets one timeout window to
// announce itself before the first sweep can mark it offline.
func NewTracker(seed []protocol.Address, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		nodes:   make(map[string]*NodeHealth),
		now:     time.Now,
		onEvent: func(Event) {},
	}
	for _, o := range opts {
		o(t)
	}
	now := t.now()
	for _, addr := range seed {
		key := addr.String()
		if _, ok := t.nodes[key]; ok {
			continue
		}
		t.nodes[key] = &NodeHealth{Address: addr, Online: true, LastHeartbeat: now}
		t.order = append(t.order, key)
	}
	return t
}

// Heartbeat marks addr online and refreshes its timestamp. Unknown addresses
// join the registry. It reports whether the node was offline or unknown before.
func (t *Tracker) Heartbeat(addr protocol.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	key := addr.String()
	n, ok := t.nodes[key]
	if !ok {
		n = &NodeHealth{Address: addr}
		t.nodes[key] = n
		t.order = append(t.order, key)
	}
	wasOnline := n.Online
	n.Online = true
	n.LastHeartbeat = now
	if !wasOnline {
		t.onEvent(Event{Type: EventNodeOnline, Node: key, At: now})
	}
	return !wasOnline
}

// Sweep marks offline every node whose last heartbeat is older than timeout
// and returns the transitions it made.
func (t *Tracker) Sweep(now time.Time, timeout time.Duration) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var events []Event
	for _, key := range t.order {
		n := t.nodes[key]
		if n.Online && now.Sub(n.LastHeartbeat) > timeout {
			n.Online = false
			ev := Event{Type: EventNodeOffline, Node: key, At: now}
			events = append(events, ev)
			t.onEvent(ev)
		}
	}
	return events
}

// Healthy returns the addresses currently marked online, in registration order.
func (t *Tracker) Healthy() []protocol.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []protocol.Address
	for _, key := range t.order {
		if n := t.nodes[key]; n.Online {
			result = append(result, n.Address)
		}
	}
	return result
}

// Status returns the host:port → online map for every known node.
func (t *Tracker) Status() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status := make(map[string]bool, len(t.nodes))
	for key, n := range t.nodes {
		status[key] = n.Online
	}
	return status
}

// Nodes returns a snapshot of every known node.
func (t *Tracker) Nodes() []NodeHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]NodeHealth, 0, len(t.order))
	for _, key := range t.order {
		result = append(result, *t.nodes[key])
	}
	return result
}

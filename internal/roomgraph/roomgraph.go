// Package roomgraph provides the typed view of room history over the
// tree store: event blobs by id, per-room latest-state pointers, and
// per-room forward extremities (heads).
//
// Key layout:
//
//	events/<event_id>                          -> PDU json
//	rooms/<room_id>/state/<type>/<state_key>   -> event id
//	rooms/<room_id>/head                       -> json array of event ids
//
// Room ids, event types and state keys are path-escaped so separator
// characters in identifiers cannot collide with the layout.
package roomgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/treestore"
)

// Graph wraps a tree store with the room-graph key layout. Writes go
// through a Tx, which holds a per-room lock from begin to commit so two
// concurrent commits cannot silently overwrite each other's head or
// state pointers (last-write-wins at the store gives no such guarantee
// on its own).
type Graph struct {
	store *treestore.Store

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// New creates a Graph over a tree store.
func New(store *treestore.Store) *Graph {
	return &Graph{store: store, rooms: make(map[string]*sync.Mutex)}
}

func (g *Graph) roomLock(roomID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.rooms[roomID]
	if !ok {
		l = &sync.Mutex{}
		g.rooms[roomID] = l
	}
	return l
}

func eventPath(eventID string) string {
	return "events/" + url.PathEscape(eventID)
}

func statePath(roomID, eventType, stateKey string) string {
	return "rooms/" + url.PathEscape(roomID) + "/state/" +
		url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
}

func stateTypePrefix(roomID, eventType string) string {
	return "rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(eventType) + "/"
}

func headPath(roomID string) string {
	return "rooms/" + url.PathEscape(roomID) + "/head"
}

// View is a read-only projection of the graph at one store snapshot.
type View struct {
	graph *Graph
	snap  *treestore.Snapshot
}

// View takes a snapshot of the current tree for reading.
func (g *Graph) View(ctx context.Context) (*View, error) {
	snap, err := g.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("roomgraph: view: %w", err)
	}
	return &View{graph: g, snap: snap}, nil
}

// EventJSON reads the raw persisted JSON of an event. Returns
// treestore.ErrNotFound when the id is unknown.
func (v *View) EventJSON(ctx context.Context, eventID string) ([]byte, error) {
	return v.snap.Get(ctx, eventPath(eventID))
}

// Event reads and decodes an event. The returned PDU is an independent
// value; mutating it does not touch the store.
func (v *View) Event(ctx context.Context, eventID string) (*event.PDU, error) {
	raw, err := v.EventJSON(ctx, eventID)
	if err != nil {
		return nil, err
	}
	p, err := event.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("roomgraph: event %s: %w", eventID, err)
	}
	return p, nil
}

// StateEventID resolves the latest state pointer for (type, state key).
// Returns treestore.ErrNotFound when no such state event exists.
func (v *View) StateEventID(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	raw, err := v.snap.Get(ctx, statePath(roomID, eventType, stateKey))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// StateEntry is one latest-state pointer under an event type.
type StateEntry struct {
	StateKey string
	EventID  string
}

// StateEntries lists all latest-state pointers for an event type,
// sorted by state key.
func (v *View) StateEntries(ctx context.Context, roomID, eventType string) ([]StateEntry, error) {
	prefix := stateTypePrefix(roomID, eventType)
	entries, err := v.snap.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("roomgraph: state entries: %w", err)
	}
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		escaped := strings.TrimPrefix(e.Path, prefix)
		key, err := url.PathUnescape(escaped)
		if err != nil {
			return nil, fmt.Errorf("roomgraph: state key %q: %w", escaped, err)
		}
		out = append(out, StateEntry{StateKey: key, EventID: string(e.Value)})
	}
	return out, nil
}

// StateEvents loads the full PDUs behind every latest-state pointer in
// the room, across all event types.
func (v *View) StateEvents(ctx context.Context, roomID string) ([]*event.PDU, error) {
	prefix := "rooms/" + url.PathEscape(roomID) + "/state/"
	entries, err := v.snap.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("roomgraph: state events: %w", err)
	}
	out := make([]*event.PDU, 0, len(entries))
	for _, e := range entries {
		p, err := v.Event(ctx, string(e.Value))
		if err != nil {
			return nil, fmt.Errorf("roomgraph: state event %s: %w", e.Value, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Head returns the room's forward extremities and their maximum depth.
// An unknown room yields depth 0 and no extremities.
func (v *View) Head(ctx context.Context, roomID string) (depth int64, eventIDs []string, err error) {
	raw, err := v.snap.Get(ctx, headPath(roomID))
	if err != nil {
		if errors.Is(err, treestore.ErrNotFound) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	if err := json.Unmarshal(raw, &eventIDs); err != nil {
		return 0, nil, fmt.Errorf("roomgraph: head of %s: %w", roomID, err)
	}
	for _, id := range eventIDs {
		p, err := v.Event(ctx, id)
		if err != nil {
			return 0, nil, fmt.Errorf("roomgraph: head event %s: %w", id, err)
		}
		if p.Depth > depth {
			depth = p.Depth
		}
	}
	return depth, eventIDs, nil
}

// Rooms lists every room id known to the store.
func (v *View) Rooms() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range v.snap.ListPaths("rooms/") {
		rest := strings.TrimPrefix(p, "rooms/")
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			continue
		}
		roomID, err := url.PathUnescape(rest[:idx])
		if err != nil {
			return nil, fmt.Errorf("roomgraph: room id %q: %w", rest[:idx], err)
		}
		if !seen[roomID] {
			seen[roomID] = true
			out = append(out, roomID)
		}
	}
	return out, nil
}

// Tx is a write transaction over one or more rooms: a snapshot for
// reads, a staged delta for writes, and the involved room locks held
// until Commit or Close. All staged writes become visible atomically on
// commit, or not at all.
type Tx struct {
	View

	delta *treestore.Delta
	locks []*sync.Mutex
	done  bool
}

// Begin acquires the locks of the named rooms (in sorted order, so two
// transactions over overlapping room sets cannot deadlock) and opens a
// write transaction at the current snapshot. Callers must Commit or
// Close the transaction.
func (g *Graph) Begin(ctx context.Context, roomIDs ...string) (*Tx, error) {
	sorted := make([]string, 0, len(roomIDs))
	seen := make(map[string]bool, len(roomIDs))
	for _, id := range roomIDs {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		l := g.roomLock(id)
		l.Lock()
		locks = append(locks, l)
	}
	unlock := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}

	snap, err := g.store.Snapshot(ctx)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("roomgraph: begin: %w", err)
	}
	return &Tx{
		View:  View{graph: g, snap: snap},
		delta: g.store.NewDelta(),
		locks: locks,
	}, nil
}

// PutEvent stages an event blob. It does not touch state or head
// pointers; callers stage those alongside and commit once.
func (t *Tx) PutEvent(eventID string, raw []byte) {
	t.delta.Set(eventPath(eventID), raw)
}

// SetState stages a latest-state pointer update.
func (t *Tx) SetState(roomID, eventType, stateKey, eventID string) {
	t.delta.Set(statePath(roomID, eventType, stateKey), []byte(eventID))
}

// SetHead stages a room's forward-extremity set.
func (t *Tx) SetHead(roomID string, eventIDs []string) error {
	raw, err := json.Marshal(eventIDs)
	if err != nil {
		return fmt.Errorf("roomgraph: encode head: %w", err)
	}
	t.delta.Set(headPath(roomID), raw)
	return nil
}

// Commit applies all staged writes in one versioned store commit and
// releases the room locks. On error nothing staged is visible.
func (t *Tx) Commit(ctx context.Context, message string) error {
	if t.done {
		return fmt.Errorf("roomgraph: commit: transaction already finished")
	}
	t.done = true
	defer t.unlock()

	if _, err := t.graph.store.Commit(ctx, t.delta, message); err != nil {
		return fmt.Errorf("roomgraph: commit: %w", err)
	}
	return nil
}

// Close releases the room locks without committing. Safe after Commit.
func (t *Tx) Close() {
	if t.done {
		return
	}
	t.done = true
	t.unlock()
}

func (t *Tx) unlock() {
	for i := len(t.locks) - 1; i >= 0; i-- {
		t.locks[i].Unlock()
	}
}

package roomgraph

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/treestore"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	backend, err := treestore.OpenBadger(t.TempDir())
	require.NoError(t, err)
	store := treestore.New(backend)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func encodePDU(t *testing.T, p *event.PDU) []byte {
	t.Helper()
	raw, err := p.Encode()
	require.NoError(t, err)
	return raw
}

func memberPDU(roomID, userID string, depth int64, prev []string) *event.PDU {
	stateKey := userID
	return &event.PDU{
		EventType:      event.TypeMember,
		RoomID:         roomID,
		Sender:         userID,
		Origin:         "ember.test",
		OriginServerTS: 1700000000000,
		Depth:          depth,
		PrevEvents:     prev,
		AuthEvents:     []string{},
		StateKey:       &stateKey,
		Content:        json.RawMessage(`{"membership":"join"}`),
	}
}

func TestEventRoundTrip(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	roomID := "!room:ember.test"

	pdu := memberPDU(roomID, "@alice:ember.test", 1, nil)
	tx, err := g.Begin(ctx, roomID)
	require.NoError(t, err)
	tx.PutEvent("$e1", encodePDU(t, pdu))
	tx.SetState(roomID, event.TypeMember, "@alice:ember.test", "$e1")
	require.NoError(t, tx.Commit(ctx, "seed"))

	view, err := g.View(ctx)
	require.NoError(t, err)

	got, err := view.Event(ctx, "$e1")
	require.NoError(t, err)
	assert.Equal(t, event.TypeMember, got.EventType)
	assert.Equal(t, roomID, got.RoomID)

	id, err := view.StateEventID(ctx, roomID, event.TypeMember, "@alice:ember.test")
	require.NoError(t, err)
	assert.Equal(t, "$e1", id)

	_, err = view.Event(ctx, "$missing")
	assert.ErrorIs(t, err, treestore.ErrNotFound)
}

func TestHeadTracksDepth(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	roomID := "!room:ember.test"

	// Unknown room: depth 0, no extremities.
	view, err := g.View(ctx)
	require.NoError(t, err)
	depth, heads, err := view.Head(ctx, roomID)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Empty(t, heads)

	tx, err := g.Begin(ctx, roomID)
	require.NoError(t, err)
	tx.PutEvent("$e1", encodePDU(t, memberPDU(roomID, "@a:x", 2, nil)))
	tx.PutEvent("$e2", encodePDU(t, memberPDU(roomID, "@b:x", 3, []string{"$e1"})))
	require.NoError(t, tx.SetHead(roomID, []string{"$e1", "$e2"}))
	require.NoError(t, tx.Commit(ctx, "seed"))

	view, err = g.View(ctx)
	require.NoError(t, err)
	depth, heads, err = view.Head(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
	assert.Equal(t, []string{"$e1", "$e2"}, heads)
}

func TestStateEntriesAndRooms(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	tx, err := g.Begin(ctx, "!r1:x", "!r2:x")
	require.NoError(t, err)
	tx.PutEvent("$a", encodePDU(t, memberPDU("!r1:x", "@a:x", 1, nil)))
	tx.PutEvent("$b", encodePDU(t, memberPDU("!r1:x", "@b:x", 1, nil)))
	tx.SetState("!r1:x", event.TypeMember, "@a:x", "$a")
	tx.SetState("!r1:x", event.TypeMember, "@b:x", "$b")
	require.NoError(t, tx.SetHead("!r2:x", []string{}))
	require.NoError(t, tx.Commit(ctx, "seed"))

	view, err := g.View(ctx)
	require.NoError(t, err)

	entries, err := view.StateEntries(ctx, "!r1:x", event.TypeMember)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "@a:x", entries[0].StateKey)
	assert.Equal(t, "$a", entries[0].EventID)

	rooms, err := view.Rooms()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"!r1:x", "!r2:x"}, rooms)
}

func TestStateKeyEscaping(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	roomID := "!room:ember.test"

	// A state key containing the path separator must not corrupt the
	// key layout.
	tx, err := g.Begin(ctx, roomID)
	require.NoError(t, err)
	tx.SetState(roomID, event.TypeMember, "@odd/user:x", "$e1")
	require.NoError(t, tx.Commit(ctx, "seed"))

	view, err := g.View(ctx)
	require.NoError(t, err)
	id, err := view.StateEventID(ctx, roomID, event.TypeMember, "@odd/user:x")
	require.NoError(t, err)
	assert.Equal(t, "$e1", id)

	entries, err := view.StateEntries(ctx, roomID, event.TypeMember)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "@odd/user:x", entries[0].StateKey)
}

func TestTxAtomicity(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	roomID := "!room:ember.test"

	tx, err := g.Begin(ctx, roomID)
	require.NoError(t, err)
	tx.PutEvent("$e1", encodePDU(t, memberPDU(roomID, "@a:x", 1, nil)))
	tx.Close()

	// Closed without commit: nothing is visible.
	view, err := g.View(ctx)
	require.NoError(t, err)
	_, err = view.Event(ctx, "$e1")
	assert.ErrorIs(t, err, treestore.ErrNotFound)

	// The room lock was released by Close; a new transaction works.
	tx, err = g.Begin(ctx, roomID)
	require.NoError(t, err)
	tx.PutEvent("$e1", encodePDU(t, memberPDU(roomID, "@a:x", 1, nil)))
	require.NoError(t, tx.Commit(ctx, "retry"))

	view, err = g.View(ctx)
	require.NoError(t, err)
	_, err = view.Event(ctx, "$e1")
	assert.NoError(t, err)
}

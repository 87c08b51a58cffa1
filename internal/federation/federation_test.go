package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/roomgraph"
	"github.com/ember-hs/ember/internal/treestore"
)

const (
	testServer = "self.example"
	testKeyID  = "ed25519:a1"
	testRoom   = "!room:self.example"
)

func newTestService(t *testing.T) (*Service, *roomgraph.Graph, ed25519.PrivateKey) {
	t.Helper()
	backend, err := treestore.OpenBadger(t.TempDir())
	require.NoError(t, err)
	store := treestore.New(backend)
	t.Cleanup(func() { store.Close() })

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	graph := roomgraph.New(store)
	return New(graph, testServer, testKeyID, priv, "6", log), graph, priv
}

func statePDU(eventType, stateKey, content string, depth int64, prev []string) *event.PDU {
	return &event.PDU{
		EventType:      eventType,
		RoomID:         testRoom,
		Sender:         "@alice:self.example",
		Origin:         testServer,
		OriginServerTS: 1700000000000,
		Depth:          depth,
		PrevEvents:     prev,
		AuthEvents:     []string{},
		StateKey:       &stateKey,
		Content:        json.RawMessage(content),
	}
}

func mustEncode(t *testing.T, p *event.PDU) []byte {
	t.Helper()
	raw, err := p.Encode()
	require.NoError(t, err)
	return raw
}

// seedRoom builds a room at depth 3: create (E1) <- power levels and
// join rules (E2) <- alice's join (E3), head [$E3].
func seedRoom(t *testing.T, graph *roomgraph.Graph) {
	t.Helper()
	ctx := context.Background()

	tx, err := graph.Begin(ctx, testRoom)
	require.NoError(t, err)

	tx.PutEvent("$E1", mustEncode(t, statePDU(event.TypeCreate, "", `{"creator":"@alice:self.example","room_version":"6"}`, 1, nil)))
	tx.PutEvent("$E2", mustEncode(t, statePDU(event.TypePowerLevels, "", `{"users":{"@alice:self.example":100}}`, 2, []string{"$E1"})))
	tx.PutEvent("$E2b", mustEncode(t, statePDU(event.TypeJoinRules, "", `{"join_rule":"public"}`, 2, []string{"$E1"})))
	tx.PutEvent("$E3", mustEncode(t, statePDU(event.TypeMember, "@alice:self.example", `{"membership":"join"}`, 3, []string{"$E2"})))

	tx.SetState(testRoom, event.TypeCreate, "", "$E1")
	tx.SetState(testRoom, event.TypePowerLevels, "", "$E2")
	tx.SetState(testRoom, event.TypeJoinRules, "", "$E2b")
	tx.SetState(testRoom, event.TypeMember, "@alice:self.example", "$E3")
	require.NoError(t, tx.SetHead(testRoom, []string{"$E3"}))
	require.NoError(t, tx.Commit(ctx, "seed room"))
}

func TestMakeJoinRejectsUnsupportedVersion(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)

	_, err := svc.MakeJoin(context.Background(), testRoom, "@bob:x", testServer, []string{"4", "5"})
	require.Error(t, err)

	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeIncompatibleRoomVersion, matrixErr.Code)
	assert.Equal(t, 400, matrixErr.StatusCode)
}

func TestMakeJoinTemplate(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)

	resp, err := svc.MakeJoin(context.Background(), testRoom, "@bob:x", "other.example", []string{"6"})
	require.NoError(t, err)
	assert.Equal(t, "6", resp.RoomVersion)

	tmpl := resp.Event
	assert.Equal(t, event.TypeMember, tmpl.EventType)
	assert.Equal(t, int64(4), tmpl.Depth)
	assert.Equal(t, []string{"$E3"}, tmpl.PrevEvents)
	assert.ElementsMatch(t, []string{"$E1", "$E2", "$E2b"}, tmpl.AuthEvents)
	require.NotNil(t, tmpl.StateKey)
	assert.Equal(t, "@bob:x", *tmpl.StateKey)
	assert.Equal(t, "@bob:x", tmpl.Sender)
	assert.Equal(t, "other.example", tmpl.Origin)

	// The template is intentionally unsigned: the joining server signs it.
	assert.Empty(t, tmpl.Signatures)
}

func TestMakeJoinUnknownRoom(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.MakeJoin(context.Background(), "!nope:x", "@bob:x", testServer, []string{"6"})
	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeNotFound, matrixErr.Code)
}

func TestSendJoinAdmitsMember(t *testing.T) {
	svc, graph, priv := newTestService(t)
	seedRoom(t, graph)
	ctx := context.Background()

	member := statePDU(event.TypeMember, "@bob:x", `{"membership":"join"}`, 4, []string{"$E3"})
	member.Sender = "@bob:x"
	require.NoError(t, event.Sign(member, "other.example", "ed25519:r", priv))
	eventID, err := event.ReferenceHash(member)
	require.NoError(t, err)

	resp, err := svc.SendJoin(ctx, testRoom, eventID, mustEncode(t, member))
	require.NoError(t, err)
	assert.Equal(t, testServer, resp.Origin)

	// The member's event is among the returned state, co-signed by us.
	var found *event.PDU
	for _, p := range resp.State {
		if p.StateKey != nil && *p.StateKey == "@bob:x" {
			found = p
		}
	}
	require.NotNil(t, found)
	assert.NotEmpty(t, found.Signatures[testServer][testKeyID])
	assert.NotEmpty(t, found.Signatures["other.example"]["ed25519:r"])
	assert.Equal(t, resp.State, resp.AuthChain)

	// Store now points member state and head at the new event.
	view, err := graph.View(ctx)
	require.NoError(t, err)
	id, err := view.StateEventID(ctx, testRoom, event.TypeMember, "@bob:x")
	require.NoError(t, err)
	assert.Equal(t, eventID, id)

	depth, heads, err := view.Head(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, []string{eventID}, heads)
	assert.Equal(t, int64(4), depth)
}

func TestSendJoinRejectsMissingStateKey(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)

	member := statePDU(event.TypeMember, "@bob:x", `{"membership":"join"}`, 4, []string{"$E3"})
	member.StateKey = nil

	_, err := svc.SendJoin(context.Background(), testRoom, "", mustEncode(t, member))
	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeBadJSON, matrixErr.Code)
}

func TestInviteAlwaysForbidden(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Invite(testRoom, "$x")
	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeForbidden, matrixErr.Code)
	assert.Equal(t, 403, matrixErr.StatusCode)
}

func TestIngestTransaction(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)
	ctx := context.Background()

	name := statePDU(event.TypeName, "", `{"name":"The Room"}`, 4, []string{"$E3"})
	noKey := statePDU(event.TypeTopic, "", `{"topic":"t"}`, 4, []string{"$E3"})
	noKey.StateKey = nil

	txn := &Transaction{
		Origin: "other.example",
		PDUs:   []json.RawMessage{mustEncode(t, name), mustEncode(t, noKey)},
	}
	resp, err := svc.IngestTransaction(ctx, "txn1", txn)
	require.NoError(t, err)
	require.Len(t, resp.PDUs, 2)

	okCount, errCount := 0, 0
	var nameID string
	for id, result := range resp.PDUs {
		if result.Error == "" {
			okCount++
			nameID = id
		} else {
			errCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, errCount)

	// The successful event is retrievable and indexed; the failed one
	// never blocked it.
	view, err := graph.View(ctx)
	require.NoError(t, err)
	id, err := view.StateEventID(ctx, testRoom, event.TypeName, "")
	require.NoError(t, err)
	assert.Equal(t, nameID, id)

	stored, err := view.Event(ctx, nameID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Signatures[testServer][testKeyID])
}

func TestIngestTransactionEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.IngestTransaction(context.Background(), "txn0", &Transaction{Origin: "other.example"})
	require.NoError(t, err)
	assert.Empty(t, resp.PDUs)
}

func TestBackfillDiscoveryOrder(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)
	ctx := context.Background()

	// Chain $E5 -> $E4 -> $E3(seeded, prev $E2).
	tx, err := graph.Begin(ctx, testRoom)
	require.NoError(t, err)
	tx.PutEvent("$E4", mustEncode(t, statePDU(event.TypeName, "", `{"name":"n"}`, 4, []string{"$E3"})))
	tx.PutEvent("$E5", mustEncode(t, statePDU(event.TypeTopic, "", `{"topic":"t"}`, 5, []string{"$E4"})))
	require.NoError(t, tx.Commit(ctx, "extend"))

	resp, err := svc.Backfill(ctx, testRoom, []string{"$E5"}, 0)
	require.NoError(t, err)
	assert.Equal(t, testServer, resp.Origin)

	ids := make([]string, 0, len(resp.PDUs))
	for _, raw := range resp.PDUs {
		p, err := event.Decode(raw)
		require.NoError(t, err)
		switch p.Depth {
		case 5:
			ids = append(ids, "$E5")
		case 4:
			ids = append(ids, "$E4")
		case 3:
			ids = append(ids, "$E3")
		case 2:
			ids = append(ids, "$E2")
		case 1:
			ids = append(ids, "$E1")
		}
	}
	assert.Equal(t, []string{"$E5", "$E4", "$E3", "$E2", "$E1"}, ids)
}

func TestBackfillTerminatesOnCycle(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	// $A and $B reference each other.
	tx, err := graph.Begin(ctx, testRoom)
	require.NoError(t, err)
	tx.PutEvent("$A", mustEncode(t, statePDU(event.TypeName, "", `{"name":"a"}`, 1, []string{"$B"})))
	tx.PutEvent("$B", mustEncode(t, statePDU(event.TypeName, "", `{"name":"b"}`, 1, []string{"$A"})))
	require.NoError(t, tx.Commit(ctx, "cycle"))

	resp, err := svc.Backfill(ctx, testRoom, []string{"$A"}, 0)
	require.NoError(t, err)
	assert.Len(t, resp.PDUs, 2)
}

func TestBackfillSkipsMissingAncestors(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	tx, err := graph.Begin(ctx, testRoom)
	require.NoError(t, err)
	tx.PutEvent("$here", mustEncode(t, statePDU(event.TypeName, "", `{"name":"n"}`, 2, []string{"$elsewhere"})))
	require.NoError(t, tx.Commit(ctx, "partial history"))

	resp, err := svc.Backfill(ctx, testRoom, []string{"$here"}, 0)
	require.NoError(t, err)
	assert.Len(t, resp.PDUs, 1)
}

func TestBackfillEmptyFrontierForbidden(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Backfill(context.Background(), testRoom, nil, 0)
	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeForbidden, matrixErr.Code)
}

func TestBackfillLimit(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)

	resp, err := svc.Backfill(context.Background(), testRoom, []string{"$E3"}, 2)
	require.NoError(t, err)
	assert.Len(t, resp.PDUs, 2)
}

func TestEventLookup(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)
	ctx := context.Background()

	resp, err := svc.Event(ctx, "$E1")
	require.NoError(t, err)
	require.Len(t, resp.PDUs, 1)

	_, err = svc.Event(ctx, "$nope")
	var matrixErr *MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, CodeNotFound, matrixErr.Code)
	assert.Equal(t, 404, matrixErr.StatusCode)
}

func TestPublicRooms(t *testing.T) {
	svc, graph, _ := newTestService(t)
	seedRoom(t, graph)
	ctx := context.Background()

	// Add a name and a second joined member plus one leaver.
	tx, err := graph.Begin(ctx, testRoom)
	require.NoError(t, err)
	tx.PutEvent("$name", mustEncode(t, statePDU(event.TypeName, "", `{"name":"The Room"}`, 4, []string{"$E3"})))
	tx.SetState(testRoom, event.TypeName, "", "$name")
	tx.PutEvent("$bob", mustEncode(t, statePDU(event.TypeMember, "@bob:x", `{"membership":"join"}`, 4, []string{"$E3"})))
	tx.SetState(testRoom, event.TypeMember, "@bob:x", "$bob")
	tx.PutEvent("$carol", mustEncode(t, statePDU(event.TypeMember, "@carol:x", `{"membership":"leave"}`, 4, []string{"$E3"})))
	tx.SetState(testRoom, event.TypeMember, "@carol:x", "$carol")
	require.NoError(t, tx.Commit(ctx, "extend"))

	resp, err := svc.PublicRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalRoomCountEstimate)
	require.Len(t, resp.Chunk, 1)

	room := resp.Chunk[0]
	assert.Equal(t, testRoom, room.RoomID)
	assert.Equal(t, "The Room", room.Name)
	assert.Empty(t, room.Topic)
	assert.Equal(t, 2, room.NumJoinedMembers)
	assert.Empty(t, room.Aliases)
	assert.True(t, room.WorldReadable)
	assert.False(t, room.GuestCanJoin)
}

func TestAdvanceHeads(t *testing.T) {
	// Extending one of two extremities keeps the other.
	assert.Equal(t, []string{"$b", "$new"}, advanceHeads([]string{"$a", "$b"}, []string{"$a"}, "$new"))
	// Extending all of them leaves only the new event.
	assert.Equal(t, []string{"$new"}, advanceHeads([]string{"$a", "$b"}, []string{"$a", "$b"}, "$new"))
	// A fresh room has no extremities to consume.
	assert.Equal(t, []string{"$new"}, advanceHeads(nil, nil, "$new"))
}

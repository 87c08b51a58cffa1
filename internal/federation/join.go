package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/treestore"
)

// MakeJoinResponse carries the unsigned join template back to the
// joining server, which must sign it and return it via send_join.
type MakeJoinResponse struct {
	RoomVersion string     `json:"room_version"`
	Event       *event.PDU `json:"event"`
}

// SendJoinResponse returns the room's materialized state to the newly
// joined server. The latest state set stands in for a proper auth
// chain; resolving the true chain is out of scope here.
type SendJoinResponse struct {
	Origin    string       `json:"origin"`
	AuthChain []*event.PDU `json:"auth_chain"`
	State     []*event.PDU `json:"state"`
}

// stateAuthTypes are the state events referenced as auth_events by a
// membership change.
var stateAuthTypes = []string{event.TypeCreate, event.TypePowerLevels, event.TypeJoinRules}

// MakeJoin builds an unsigned member-join template for userID in
// roomID. origin is the verified identity of the calling server (this
// server's own name for local/unauthenticated calls). Fails with
// M_INCOMPATIBLE_ROOM_VERSION unless the supported room version is
// among the requested versions.
func (s *Service) MakeJoin(ctx context.Context, roomID, userID, origin string, versions []string) (*MakeJoinResponse, error) {
	supported := false
	for _, v := range versions {
		if v == s.roomVersion {
			supported = true
			break
		}
	}
	if !supported {
		return nil, errIncompatibleRoomVersion(s.roomVersion)
	}

	view, err := s.graph.View(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: make_join: %w", err)
	}

	var authEvents []string
	for _, eventType := range stateAuthTypes {
		id, err := view.StateEventID(ctx, roomID, eventType, "")
		if errors.Is(err, treestore.ErrNotFound) {
			if eventType == event.TypeCreate {
				return nil, errNotFound("unknown room " + roomID)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("federation: make_join auth %s: %w", eventType, err)
		}
		authEvents = append(authEvents, id)
	}

	depth, prevEvents, err := view.Head(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("federation: make_join head: %w", err)
	}

	content, err := json.Marshal(event.MemberContent{Membership: event.MembershipJoin})
	if err != nil {
		return nil, fmt.Errorf("federation: make_join content: %w", err)
	}

	stateKey := userID
	template := &event.PDU{
		EventType:      event.TypeMember,
		RoomID:         roomID,
		Sender:         userID,
		Origin:         origin,
		OriginServerTS: time.Now().UnixMilli(),
		Depth:          depth + 1,
		PrevEvents:     prevEvents,
		AuthEvents:     authEvents,
		StateKey:       &stateKey,
		Content:        content,
	}

	s.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": userID,
		"origin":  origin,
		"depth":   template.Depth,
	}).Info("built join template")

	return &MakeJoinResponse{RoomVersion: s.roomVersion, Event: template}, nil
}

// SendJoin admits a signed member event into the room: co-signs it with
// this server's key, re-derives the reference hash as the authoritative
// event id, and persists event, member-state pointer and head update in
// one commit. On success the room's full current state is returned.
func (s *Service) SendJoin(ctx context.Context, roomID, claimedEventID string, raw []byte) (*SendJoinResponse, error) {
	pdu, err := event.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join: %w", err)
	}
	stateKey, err := pdu.StateKeyOrErr()
	if err != nil {
		return nil, errBadJSON("member event has no state_key")
	}

	// Co-sign before the id is derived: the event is immutable once
	// its reference hash is persisted.
	if err := event.Sign(pdu, s.serverName, s.keyID, s.priv); err != nil {
		return nil, fmt.Errorf("federation: send_join sign: %w", err)
	}
	eventID, err := event.ReferenceHash(pdu)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join hash: %w", err)
	}

	encoded, err := pdu.Encode()
	if err != nil {
		return nil, fmt.Errorf("federation: send_join encode: %w", err)
	}

	tx, err := s.graph.Begin(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join: %w", err)
	}
	defer tx.Close()

	_, heads, err := tx.Head(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join head: %w", err)
	}

	tx.PutEvent(eventID, encoded)
	tx.SetState(roomID, event.TypeMember, stateKey, eventID)
	if err := tx.SetHead(roomID, advanceHeads(heads, pdu.PrevEvents, eventID)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx, fmt.Sprintf("join %s to %s", stateKey, roomID)); err != nil {
		s.log.WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": eventID,
		}).WithError(err).Error("send_join commit failed")
		return nil, fmt.Errorf("federation: send_join commit: %w", err)
	}

	if claimedEventID != "" && claimedEventID != eventID {
		s.log.WithFields(logrus.Fields{
			"claimed": claimedEventID,
			"derived": eventID,
		}).Warn("send_join event id differs from caller's claim")
	}

	view, err := s.graph.View(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join state: %w", err)
	}
	state, err := view.StateEvents(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("federation: send_join state: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": eventID,
		"user_id":  stateKey,
	}).Info("admitted join")

	return &SendJoinResponse{Origin: s.serverName, AuthChain: state, State: state}, nil
}

// Invite rejects federation-initiated invitations unconditionally:
// invites over federation are disabled by policy.
func (s *Service) Invite(roomID, eventID string) error {
	return errForbidden("federated invites are disabled on this server")
}

// advanceHeads computes the new forward-extremity set after appending
// an event: the extremities it extends are consumed, the event itself
// becomes one. No state resolution happens when concurrent branches
// merge; latest-write state pointers stand in for it.
func advanceHeads(heads, prevEvents []string, newID string) []string {
	consumed := make(map[string]bool, len(prevEvents))
	for _, id := range prevEvents {
		consumed[id] = true
	}
	out := make([]string, 0, len(heads)+1)
	for _, id := range heads {
		if !consumed[id] {
			out = append(out, id)
		}
	}
	return append(out, newID)
}

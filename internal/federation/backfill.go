package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/treestore"
)

// BackfillResponse carries ancestor events in discovery order.
type BackfillResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// Backfill walks prev_events backward from a frontier of event ids and
// returns the ancestors found, each at most once. Traversal is
// iterative over an explicit stack with a visited set, so cyclic or
// repeated references terminate and stack depth stays bounded on long
// histories. Ids with no local event are skipped silently: ancestors
// may live across a federation boundary. limit caps the collected set;
// zero or negative means unlimited.
func (s *Service) Backfill(ctx context.Context, roomID string, frontier []string, limit int) (*BackfillResponse, error) {
	if len(frontier) == 0 {
		return nil, errForbidden("backfill requires a non-empty frontier")
	}

	view, err := s.graph.View(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: backfill: %w", err)
	}

	// Stack seeded in reverse so frontier ids pop in request order.
	stack := make([]string, 0, len(frontier))
	for i := len(frontier) - 1; i >= 0; i-- {
		stack = append(stack, frontier[i])
	}
	visited := make(map[string]bool, len(frontier))
	var collected []json.RawMessage

	for len(stack) > 0 {
		if limit > 0 && len(collected) >= limit {
			break
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		raw, err := view.EventJSON(ctx, id)
		if errors.Is(err, treestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("federation: backfill %s: %w", id, err)
		}
		collected = append(collected, raw)

		pdu, err := event.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("federation: backfill decode %s: %w", id, err)
		}
		for i := len(pdu.PrevEvents) - 1; i >= 0; i-- {
			if !visited[pdu.PrevEvents[i]] {
				stack = append(stack, pdu.PrevEvents[i])
			}
		}
	}

	s.log.WithField("room_id", roomID).WithField("events", len(collected)).Debug("backfill resolved")

	return &BackfillResponse{
		Origin:         s.serverName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           collected,
	}, nil
}

// Event retrieves a single persisted event by id, wrapped in the
// single-PDU envelope the event endpoint returns.
func (s *Service) Event(ctx context.Context, eventID string) (*BackfillResponse, error) {
	view, err := s.graph.View(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: event: %w", err)
	}
	raw, err := view.EventJSON(ctx, eventID)
	if errors.Is(err, treestore.ErrNotFound) {
		return nil, errNotFound("unknown event " + eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("federation: event %s: %w", eventID, err)
	}
	return &BackfillResponse{
		Origin:         s.serverName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{raw},
	}, nil
}

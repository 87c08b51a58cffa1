package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/roomgraph"
	"github.com/ember-hs/ember/internal/treestore"
)

// RoomSummary is one public-room directory entry. Aliases, guest
// access and federation opt-out are fixed placeholders: they are not
// modeled in the room graph yet.
type RoomSummary struct {
	RoomID           string   `json:"room_id"`
	Name             string   `json:"name,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	CanonicalAlias   string   `json:"canonical_alias,omitempty"`
	AvatarURL        string   `json:"avatar_url,omitempty"`
	NumJoinedMembers int      `json:"num_joined_members"`
	Aliases          []string `json:"aliases"`
	WorldReadable    bool     `json:"world_readable"`
	GuestCanJoin     bool     `json:"guest_can_join"`
}

// PublicRoomsResponse is the directory listing.
type PublicRoomsResponse struct {
	Chunk                  []RoomSummary `json:"chunk"`
	TotalRoomCountEstimate int           `json:"total_room_count_estimate"`
}

// PublicRooms projects the directory listing from materialized state:
// one state lookup plus one event fetch per optional attribute, and a
// membership count from dereferencing every member state entry. The
// projection is recomputed on every call; nothing is cached.
func (s *Service) PublicRooms(ctx context.Context) (*PublicRoomsResponse, error) {
	view, err := s.graph.View(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: public rooms: %w", err)
	}
	rooms, err := view.Rooms()
	if err != nil {
		return nil, fmt.Errorf("federation: public rooms: %w", err)
	}

	resp := &PublicRoomsResponse{
		Chunk:                  make([]RoomSummary, 0, len(rooms)),
		TotalRoomCountEstimate: len(rooms),
	}

	for _, roomID := range rooms {
		summary := RoomSummary{RoomID: roomID, Aliases: []string{}, WorldReadable: true}

		if c, err := s.stateContent(ctx, view, roomID, event.TypeCanonicalAlias); err != nil {
			return nil, err
		} else if c != nil {
			summary.CanonicalAlias = c.(event.CanonicalAliasContent).Alias
		}
		if c, err := s.stateContent(ctx, view, roomID, event.TypeName); err != nil {
			return nil, err
		} else if c != nil {
			summary.Name = c.(event.NameContent).Name
		}
		if c, err := s.stateContent(ctx, view, roomID, event.TypeTopic); err != nil {
			return nil, err
		} else if c != nil {
			summary.Topic = c.(event.TopicContent).Topic
		}
		if c, err := s.stateContent(ctx, view, roomID, event.TypeAvatar); err != nil {
			return nil, err
		} else if c != nil {
			summary.AvatarURL = c.(event.AvatarContent).URL
		}

		members, err := view.StateEntries(ctx, roomID, event.TypeMember)
		if err != nil {
			return nil, fmt.Errorf("federation: public rooms members: %w", err)
		}
		for _, entry := range members {
			pdu, err := view.Event(ctx, entry.EventID)
			if err != nil {
				return nil, fmt.Errorf("federation: public rooms member %s: %w", entry.EventID, err)
			}
			content, err := event.DecodeContent(pdu.EventType, pdu.Content)
			if err != nil {
				return nil, fmt.Errorf("federation: public rooms member %s: %w", entry.EventID, err)
			}
			if member, ok := content.(event.MemberContent); ok && member.Membership == event.MembershipJoin {
				summary.NumJoinedMembers++
			}
		}

		resp.Chunk = append(resp.Chunk, summary)
	}
	return resp, nil
}

// stateContent resolves the decoded content of an optional state event
// with an empty state key; nil means the room has no such state.
func (s *Service) stateContent(ctx context.Context, view *roomgraph.View, roomID, eventType string) (event.Content, error) {
	id, err := view.StateEventID(ctx, roomID, eventType, "")
	if errors.Is(err, treestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("federation: state %s: %w", eventType, err)
	}
	pdu, err := view.Event(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("federation: state event %s: %w", id, err)
	}
	return event.DecodeContent(pdu.EventType, pdu.Content)
}

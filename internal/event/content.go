package event

import (
	"encoding/json"
	"fmt"
)

// Content is the closed union of event content kinds. Adding a new
// event type means adding a variant here and a case in DecodeContent.
type Content interface {
	contentKind() string
}

// MessageContent is the content of m.room.message.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership string `json:"membership"`
}

// NameContent is the content of m.room.name.
type NameContent struct {
	Name string `json:"name"`
}

// TopicContent is the content of m.room.topic.
type TopicContent struct {
	Topic string `json:"topic"`
}

// AvatarContent is the content of m.room.avatar.
type AvatarContent struct {
	URL string `json:"url"`
}

// CanonicalAliasContent is the content of m.room.canonical_alias.
type CanonicalAliasContent struct {
	Alias string `json:"alias"`
}

// CreateContent is the content of m.room.create.
type CreateContent struct {
	Creator     string `json:"creator"`
	RoomVersion string `json:"room_version,omitempty"`
}

// PowerLevelsContent is the content of m.room.power_levels.
type PowerLevelsContent struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  int64            `json:"users_default,omitempty"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault int64            `json:"events_default,omitempty"`
	StateDefault  int64            `json:"state_default,omitempty"`
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

func (MessageContent) contentKind() string           { return TypeMessage }
func (MemberContent) contentKind() string            { return TypeMember }
func (NameContent) contentKind() string              { return TypeName }
func (TopicContent) contentKind() string             { return TypeTopic }
func (AvatarContent) contentKind() string            { return TypeAvatar }
func (CanonicalAliasContent) contentKind() string    { return TypeCanonicalAlias }
func (CreateContent) contentKind() string            { return TypeCreate }
func (PowerLevelsContent) contentKind() string       { return TypePowerLevels }
func (JoinRulesContent) contentKind() string         { return TypeJoinRules }
func (HistoryVisibilityContent) contentKind() string { return TypeHistoryVisibility }

// Membership values for m.room.member.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// DecodeContent parses raw content bytes for the given event type into
// its union variant. An unknown event type or malformed content is an
// error: encoding is fail-closed, never best-effort.
func DecodeContent(eventType string, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("event: %s: empty content", eventType)
	}

	decode := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("event: %s: malformed content: %w", eventType, err)
		}
		return nil
	}

	switch eventType {
	case TypeMessage:
		var c MessageContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		if c.MsgType == "" {
			return nil, fmt.Errorf("event: %s: missing msgtype", eventType)
		}
		return c, nil
	case TypeMember:
		var c MemberContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		switch c.Membership {
		case MembershipJoin, MembershipLeave, MembershipInvite, MembershipBan, MembershipKnock:
		default:
			return nil, fmt.Errorf("event: %s: invalid membership %q", eventType, c.Membership)
		}
		return c, nil
	case TypeName:
		var c NameContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeTopic:
		var c TopicContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeAvatar:
		var c AvatarContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeCanonicalAlias:
		var c CanonicalAliasContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeCreate:
		var c CreateContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypePowerLevels:
		var c PowerLevelsContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeJoinRules:
		var c JoinRulesContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeHistoryVisibility:
		var c HistoryVisibilityContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("event: unsupported event type %q", eventType)
	}
}

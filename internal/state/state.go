package state

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrInvalidDirection = errors.New("invalid direction")
	ErrInvalidKind      = errors.New("invalid entity kind")
	ErrInvalidValue     = errors.New("invalid state value")
)

// Kind identifies the category of entity a user relationship applies to.
type Kind string

// Entity kinds.
const (
	KindItemVote        Kind = "item_vote"
	KindCommentVote     Kind = "comment_vote"
	KindTagVote         Kind = "tag_vote"
	KindCommentFavorite Kind = "comment_favorite"
	KindUserFollow      Kind = "user_follow"
	KindUserSubscribe   Kind = "user_subscribe"
)

var allKinds = []Kind{
	KindItemVote,
	KindCommentVote,
	KindTagVote,
	KindCommentFavorite,
	KindUserFollow,
	KindUserSubscribe,
}

// FollowListKey is the persistence key of the follow list, which holds both
// the follow and the subscribe relation.
const FollowListKey = "follow_list"

// Kinds returns every known entity kind.
func Kinds() []Kind {
	kinds := make([]Kind, len(allKinds))
	copy(kinds, allKinds)
	return kinds
}

// TableKinds returns the kinds kept in id tables, that is every kind except
// the ones carried by the follow list.
func TableKinds() []Kind {
	kinds := make([]Kind, 0, len(allKinds))
	for _, k := range allKinds {
		if !k.InFollowList() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// ParseKind resolves a kind by name. Short aliases such as "item" or
// "favorite" are accepted for the CLI.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "item", "item_vote":
		return KindItemVote, nil
	case "comment", "comment_vote":
		return KindCommentVote, nil
	case "tag", "tag_vote":
		return KindTagVote, nil
	case "favorite", "comment_favorite":
		return KindCommentFavorite, nil
	case "follow", "user_follow":
		return KindUserFollow, nil
	case "subscribe", "user_subscribe":
		return KindUserSubscribe, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsVote reports whether k holds tri-state votes rather than a boolean relation.
func (k Kind) IsVote() bool {
	switch k {
	case KindItemVote, KindCommentVote, KindTagVote:
		return true
	}
	return false
}

// InFollowList reports whether k is a relation to a user by name, stored in
// the follow list rather than an id table.
func (k Kind) InFollowList() bool {
	return k == KindUserFollow || k == KindUserSubscribe
}

// StorageKey is the persistence key holding the kind's state.
func (k Kind) StorageKey() string {
	switch k {
	case KindItemVote:
		return "votes_item"
	case KindCommentVote:
		return "votes_comment"
	case KindTagVote:
		return "votes_tag"
	case KindCommentFavorite:
		return "favorites_comment"
	case KindUserFollow, KindUserSubscribe:
		return FollowListKey
	}
	return "state_" + string(k)
}

func (k Kind) String() string {
	return string(k)
}

// Direction is the transition a user requested.
type Direction int

// Directions. Any other value is invalid.
const (
	DirectionDown   Direction = -1
	DirectionUp     Direction = 1
	DirectionToggle Direction = 2
)

// ParseDirection maps "up", "down" and "toggle" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "+":
		return DirectionUp, nil
	case "down", "-":
		return DirectionDown, nil
	case "toggle":
		return DirectionToggle, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	case DirectionToggle:
		return "toggle"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ValidValue reports whether v is in the value domain of k.
// Votes are -1, 0 or 1; boolean relations are 0 or 1.
func ValidValue(k Kind, v int) bool {
	if k.IsVote() {
		return v >= -1 && v <= 1
	}
	return v == 0 || v == 1
}

// Target computes the value that applying dir to cur yields.
//
// Vote toggles are idempotent: repeating a direction clears the vote, and the
// opposite polarity flips in a single step. Boolean kinds only accept
// DirectionToggle.
func Target(k Kind, cur int, dir Direction) (int, error) {
	if !k.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, string(k))
	}

	if k.IsVote() {
		switch dir {
		case DirectionUp:
			if cur == 1 {
				return 0, nil
			}
			return 1, nil
		case DirectionDown:
			if cur == -1 {
				return 0, nil
			}
			return -1, nil
		}
		return 0, fmt.Errorf("%w: %s on %s", ErrInvalidDirection, dir, k)
	}

	if dir != DirectionToggle {
		return 0, fmt.Errorf("%w: %s on %s", ErrInvalidDirection, dir, k)
	}
	if cur != 0 {
		return 0, nil
	}
	return 1, nil
}

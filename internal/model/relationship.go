package model

import "time"

// RelationType is the kind of a directed edge.
type RelationType string

const (
	RelationFollow RelationType = "follow"
	RelationBlock  RelationType = "block"
)

// Edge is a directed relationship. (FollowerID, FollowedID, Type) is unique.
type Edge struct {
	FollowerID string       `json:"followerId"`
	FollowedID string       `json:"followedId"`
	Type       RelationType `json:"type"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// FriendshipStatus describes how two identities relate, seen from the first.
type FriendshipStatus string

const (
	StatusSelf         FriendshipStatus = "self"
	StatusFriends      FriendshipStatus = "friends"
	StatusFollowing    FriendshipStatus = "following"
	StatusFollowedBy   FriendshipStatus = "followed_by"
	StatusNotConnected FriendshipStatus = "not_connected"
	StatusBlocked      FriendshipStatus = "blocked"
)

package core

import (
	"github.com/dkeye/circlechat/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the hub.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.UserID `json:"id"`
	DisplayName string        `json:"display_name"`
	InCall      bool          `json:"in_call"`
}

// RoomService is the core-facing API of a group room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Group() *domain.Group
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Sessions() []MemberSession

	AddMember(ms MemberSession)
	// RemoveMember reports whether the user has no session left in the room.
	RemoveMember(sid SessionID) (domain.UserID, bool)
	Broadcast(from SessionID, data Frame) PublishResult
	SendTo(user domain.UserID, data Frame) PublishResult

	// JoinCall adds the user to the call and returns the members already in it.
	JoinCall(user domain.UserID) []domain.UserID
	// LeaveCall reports whether the user was in the call.
	LeaveCall(user domain.UserID) bool
	CallMembers() []domain.UserID
}

type RoomInfo struct {
	Group       domain.GroupID `json:"group_id"`
	MemberCount int            `json:"client_count"`
	CallSize    int            `json:"call_size"`
}

type RoomManager interface {
	GetOrCreate(id domain.GroupID) RoomService
	Get(id domain.GroupID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.GroupID)
}

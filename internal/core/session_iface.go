package core

import (
	"context"

	"github.com/dkeye/circlechat/internal/domain"
)

type SessionID string

// MemberSession binds an authenticated user and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	SID() SessionID
	User() *domain.User
	Signal() SignalConnection
}

// ProfileResolver looks up display names for remote participants.
type ProfileResolver interface {
	DisplayName(ctx context.Context, id domain.UserID) (string, error)
}

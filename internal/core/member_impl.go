package core

import "github.com/dkeye/circlechat/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	sid  SessionID
	user *domain.User
	conn SignalConnection
}

func NewMemberSession(sid SessionID, user *domain.User, conn SignalConnection) MemberSession {
	return &memberSession{sid: sid, user: user, conn: conn}
}

func (m *memberSession) SID() SessionID           { return m.sid }
func (m *memberSession) User() *domain.User       { return m.user }
func (m *memberSession) Signal() SignalConnection { return m.conn }

package core

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	group  *domain.Group
	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.UserID]SessionID
	inCall map[domain.UserID]struct{}
}

func NewRoomService(group *domain.Group) RoomService {
	return &roomImpl{
		group:  group,
		bySID:  make(map[SessionID]MemberSession),
		byUser: make(map[domain.UserID]SessionID),
		inCall: make(map[domain.UserID]struct{}),
	}
}

func (r *roomImpl) Group() *domain.Group { return r.group }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(ms MemberSession) {
	sid, u := ms.SID(), ms.User().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	r.byUser[u] = sid
	log.Info().Str("module", "core.room").Str("group", string(r.group.ID)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return "", false
	}
	delete(r.bySID, sid)
	u := ms.User().ID
	if r.byUser[u] != sid {
		// A newer session of the same user is still here.
		log.Info().Str("module", "core.room").Str("sid", string(sid)).Msg("stale member removed")
		return u, false
	}
	delete(r.byUser, u)
	delete(r.inCall, u)
	log.Info().Str("module", "core.room").Str("group", string(r.group.ID)).Str("sid", string(sid)).Msg("member removed")
	return u, true
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(user domain.UserID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	sid, ok := r.byUser[user]
	if !ok {
		log.Debug().Str("module", "core.room").Str("user", string(user)).Msg("send to absent user")
		return res
	}
	m := r.bySID[sid]
	if err := m.Signal().TrySend(data); err != nil {
		res.Dropped = append(res.Dropped, m)
		return res
	}
	res.SendTo = 1
	return res
}

func (r *roomImpl) JoinCall(user domain.UserID) []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	others := make([]domain.UserID, 0, len(r.inCall))
	for u := range r.inCall {
		if u != user {
			others = append(others, u)
		}
	}
	slices.Sort(others)
	r.inCall[user] = struct{}{}
	return others
}

func (r *roomImpl) LeaveCall(user domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inCall[user]
	delete(r.inCall, user)
	return ok
}

func (r *roomImpl) CallMembers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.inCall))
	for u := range r.inCall {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.byUser))
	for u, sid := range r.byUser {
		_, in := r.inCall[u]
		out = append(out, MemberDTO{ID: u, DisplayName: r.bySID[sid].User().DisplayName, InCall: in})
	}
	slices.SortFunc(out, func(a, b MemberDTO) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *roomImpl) Sessions() []MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberSession, 0, len(r.bySID))
	for _, ms := range r.bySID {
		out = append(out, ms)
	}
	return out
}

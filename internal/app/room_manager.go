package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
)

// RoomManagerImpl keeps one room per group for the relay hub.
type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.GroupID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.GroupID]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(id domain.GroupID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = core.NewRoomService(&domain.Group{ID: id})
	f.rooms[id] = room
	return room
}

func (f *RoomManagerImpl) Get(id domain.GroupID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{
			Group:       id,
			MemberCount: r.MemberCount(),
			CallSize:    len(r.CallMembers()),
		})
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.Group, b.Group) })
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.GroupID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}

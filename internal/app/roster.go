package app

import (
	"sync"

	"github.com/dkeye/circlechat/internal/domain"
)

// Roster holds presence records for the call. Mutations happen on the loop;
// snapshots may be taken from anywhere.
type Roster struct {
	self domain.UserID

	mu      sync.RWMutex
	records map[domain.UserID]*domain.Participant
	order   []domain.UserID
}

func NewRoster(self domain.UserID) *Roster {
	return &Roster{self: self, records: make(map[domain.UserID]*domain.Participant)}
}

func (r *Roster) Self() domain.UserID { return r.self }

// Upsert returns true when a new record was created.
func (r *Roster) Upsert(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return false
	}
	r.records[id] = domain.NewParticipant(id)
	r.order = append(r.order, id)
	return true
}

func (r *Roster) SetName(id domain.UserID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.records[id]; ok {
		p.DisplayName = name
	}
}

func (r *Roster) SetMuted(id domain.UserID, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[id]
	if !ok {
		p = domain.NewParticipant(id)
		r.records[id] = p
		r.order = append(r.order, id)
	}
	p.Muted = muted
}

func (r *Roster) Remove(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Roster) Get(id domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Others lists every participant except the local one, in arrival order.
func (r *Roster) Others() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		if id != r.self {
			out = append(out, *r.records[id])
		}
	}
	return out
}

// All is the unified roster: the local participant first, then the others.
func (r *Roster) All() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order)+1)
	if p, ok := r.records[r.self]; ok {
		out = append(out, *p)
	}
	for _, id := range r.order {
		if id != r.self {
			out = append(out, *r.records[id])
		}
	}
	return out
}

func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[domain.UserID]*domain.Participant)
	r.order = nil
}

package orch

import (
	"slices"
	"time"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) onPresence(peer domain.UserID) {
	if peer == "" || peer == o.cfg.Self {
		return
	}
	o.cfg.Roster.Upsert(peer)
	o.CreateOffer(peer)
}

// onParticipantsList offers to every listed member that has no entry yet,
// one every Stagger.
func (o *Orchestrator) onParticipantsList(m *wire.ParticipantsList) {
	gen := o.gen
	n := 0
	for _, peer := range m.Participants {
		if peer == "" || peer == o.cfg.Self {
			continue
		}
		if _, ok := o.cfg.Registry.Get(peer); ok {
			continue
		}
		o.cfg.Roster.Upsert(peer)
		delay := time.Duration(n) * o.cfg.Stagger
		n++
		o.stagger = append(o.stagger, time.AfterFunc(delay, func() {
			o.cfg.Loop.Post(func() {
				if gen != o.gen {
					return
				}
				if _, ok := o.cfg.Registry.Get(peer); ok {
					return
				}
				o.CreateOffer(peer)
			})
		}))
	}
	log.Info().Str("module", "orch").Int("listed", len(m.Participants)).Int("scheduled", n).Msg("participants list")
}

func (o *Orchestrator) onDeparture(peer domain.UserID) {
	if peer == "" || peer == o.cfg.Self {
		return
	}
	o.disarm(peer)
	o.forget(peer)
	o.cfg.Registry.Remove(peer)
	o.cfg.Roster.Remove(peer)
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("participant left")
}

// OnLocalReady replays offers that arrived before local media, then offers
// to every peer announced in the meantime.
func (o *Orchestrator) OnLocalReady() {
	order, parked := o.order, o.parked
	o.order, o.parked = nil, make(map[domain.UserID]*parkedOffer)
	for _, peer := range order {
		p := parked[peer]
		o.handleOffer(p.offer)
		if e, ok := o.cfg.Registry.Get(peer); ok {
			for _, c := range p.candidates {
				if err := e.Conn.AddICECandidate(c); err != nil {
					log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("add buffered candidate")
				}
			}
		}
	}

	pending := o.pending
	o.pending = nil
	for _, peer := range pending {
		if _, ok := o.cfg.Registry.Get(peer); ok {
			continue
		}
		o.CreateOffer(peer)
	}
}

func (o *Orchestrator) remember(peer domain.UserID) {
	if !slices.Contains(o.pending, peer) {
		o.pending = append(o.pending, peer)
	}
}

// park keeps the latest offer per peer until local media is ready.
func (o *Orchestrator) park(m *wire.Offer) {
	peer := m.OffererID
	if _, ok := o.parked[peer]; !ok {
		o.order = append(o.order, peer)
	}
	o.parked[peer] = &parkedOffer{offer: m}
	log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("offer parked until media is ready")
}

func (o *Orchestrator) forget(peer domain.UserID) {
	o.pending = slices.DeleteFunc(o.pending, func(p domain.UserID) bool { return p == peer })
	if _, ok := o.parked[peer]; ok {
		delete(o.parked, peer)
		o.order = slices.DeleteFunc(o.order, func(p domain.UserID) bool { return p == peer })
	}
}

// Pending lists peers waiting for local media, parked offers first.
func (o *Orchestrator) Pending() []domain.UserID {
	out := slices.Clone(o.order)
	for _, p := range o.pending {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

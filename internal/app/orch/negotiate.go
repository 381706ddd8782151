package orch

import (
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CreateOffer starts negotiation with peer and reports whether an offer was sent.
// Without local media the peer is remembered and offered to from OnLocalReady.
func (o *Orchestrator) CreateOffer(peer domain.UserID) bool {
	if peer == "" || peer == o.cfg.Self {
		return false
	}
	if !o.cfg.Media.Ready() {
		o.remember(peer)
		return false
	}
	if e, ok := o.cfg.Registry.Get(peer); ok {
		if st := e.Conn.SignalingState(); st != webrtc.SignalingStateStable {
			log.Debug().Str("module", "orch").Str("peer", string(peer)).Str("signaling_state", st.String()).Msg("offer skipped: negotiation in flight")
			return false
		}
		if e.Conn.ConnectionState() == webrtc.PeerConnectionStateConnected {
			log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("offer skipped: already connected")
			return false
		}
	}

	e, err := o.cfg.Registry.GetOrCreate(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("peer connection")
		return false
	}
	offer, err := e.Conn.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("create offer")
		o.cfg.Registry.Remove(peer)
		return false
	}
	o.cfg.Signal.Send(&wire.Offer{
		TargetUserID: peer,
		GroupID:      o.cfg.Group,
		OffererID:    o.cfg.Self,
		Offer:        offer,
	})
	o.signaled("offer")
	o.armOfferTimeout(peer, e.Conn)
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("offer sent")
	return true
}

func (o *Orchestrator) handleOffer(m *wire.Offer) {
	peer := m.OffererID
	if peer == "" || peer == o.cfg.Self {
		return
	}
	if !o.cfg.Media.Ready() {
		o.park(m)
		return
	}
	if e, ok := o.cfg.Registry.Get(peer); ok {
		if st := e.Conn.SignalingState(); st != webrtc.SignalingStateStable {
			log.Warn().Str("module", "orch").Str("peer", string(peer)).Str("signaling_state", st.String()).Msg("offer dropped: glare")
			o.glare()
			return
		}
	}

	e, err := o.cfg.Registry.GetOrCreate(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("peer connection")
		return
	}
	answer, err := e.Conn.AcceptOffer(m.Offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("accept offer")
		o.cfg.Registry.Remove(peer)
		return
	}
	o.cfg.Signal.Send(&wire.Answer{
		TargetUserID: peer,
		GroupID:      o.cfg.Group,
		AnswererID:   o.cfg.Self,
		Answer:       answer,
	})
	o.signaled("answer")
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("answer sent")
}

func (o *Orchestrator) handleAnswer(m *wire.Answer) {
	peer := m.AnswererID
	e, ok := o.cfg.Registry.Get(peer)
	if !ok {
		log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("answer dropped: no entry")
		return
	}
	if st := e.Conn.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Warn().Str("module", "orch").Str("peer", string(peer)).Str("signaling_state", st.String()).Msg("answer dropped: wrong state")
		return
	}
	if err := e.Conn.ApplyAnswer(m.Answer); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("apply answer")
		return
	}
	o.disarm(peer)
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("answer applied")
}

func (o *Orchestrator) handleCandidate(m *wire.ICECandidate) {
	peer := m.SenderID
	if e, ok := o.cfg.Registry.Get(peer); ok {
		if err := e.Conn.AddICECandidate(m.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("add candidate")
		}
		return
	}
	if p, ok := o.parked[peer]; ok {
		p.candidates = append(p.candidates, m.Candidate)
		return
	}
	log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("candidate dropped: no entry")
}

// armOfferTimeout removes conn's entry if it is still waiting for an answer
// after OfferTimeout, so that a later presence signal can retry. A peer that
// never sent media is dropped from the roster too.
func (o *Orchestrator) armOfferTimeout(peer domain.UserID, conn core.MediaConnection) {
	if o.cfg.OfferTimeout <= 0 {
		return
	}
	o.disarm(peer)
	gen := o.gen
	o.timers[peer] = time.AfterFunc(o.cfg.OfferTimeout, func() {
		o.cfg.Loop.Post(func() {
			if gen != o.gen {
				return
			}
			delete(o.timers, peer)
			e, ok := o.cfg.Registry.Get(peer)
			if !ok || e.Conn != conn || conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
				return
			}
			log.Warn().Str("module", "orch").Str("peer", string(peer)).Dur("timeout", o.cfg.OfferTimeout).Msg("offer unanswered")
			heard := e.Stream != nil
			o.cfg.Registry.Remove(peer)
			if !heard {
				o.cfg.Roster.Remove(peer)
			}
		})
	})
}

func (o *Orchestrator) disarm(peer domain.UserID) {
	if t, ok := o.timers[peer]; ok {
		t.Stop()
		delete(o.timers, peer)
	}
}

// Package orch drives mesh negotiation for one call: it turns presence and
// signaling frames from the shared channel into offers, answers and ICE
// exchange against the peer registry.
package orch

import (
	"context"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LocalMedia reports whether local tracks have been acquired.
type LocalMedia interface {
	Ready() bool
}

type Config struct {
	Self     domain.UserID
	Group    domain.GroupID
	Signal   core.SignalChannel
	Registry *app.Registry
	Roster   *app.Roster
	Loop     *app.Loop
	Media    LocalMedia
	// Stagger spaces the offers triggered by one participants_list.
	Stagger time.Duration
	// OfferTimeout removes entries stuck in have-local-offer. Zero disables it.
	OfferTimeout time.Duration
	Metrics      *observe.Metrics
}

// handled lists the frame kinds the orchestrator subscribes to.
var handled = []wire.Type{
	wire.TypeOffer,
	wire.TypeAnswer,
	wire.TypeICECandidate,
	wire.TypeParticipantReady,
	wire.TypeParticipantsList,
	wire.TypeUserJoined,
	wire.TypeUserLeft,
	wire.TypeMuteStatusChanged,
	wire.TypeCallEnd,
}

type subscription struct {
	ev core.Event
	id core.Subscription
}

type parkedOffer struct {
	offer      *wire.Offer
	candidates []webrtc.ICECandidateInit
}

// Orchestrator owns per-participant negotiation state. Every method except
// Bind runs on the loop.
type Orchestrator struct {
	cfg  Config
	subs []subscription

	// gen invalidates timer callbacks scheduled before Unbind.
	gen     uint64
	pending []domain.UserID
	parked  map[domain.UserID]*parkedOffer
	order   []domain.UserID
	timers  map[domain.UserID]*time.Timer
	stagger []*time.Timer
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		parked: make(map[domain.UserID]*parkedOffer),
		timers: make(map[domain.UserID]*time.Timer),
	}
}

// Bind subscribes to the channel. Frames are handed to the loop in arrival order.
func (o *Orchestrator) Bind() {
	for _, t := range handled {
		ev := core.EventFor(t)
		id := o.cfg.Signal.On(ev, func(m wire.Message) {
			o.cfg.Loop.Post(func() { o.Dispatch(m) })
		})
		o.subs = append(o.subs, subscription{ev: ev, id: id})
	}
}

// Unbind drops subscriptions, scheduled offers and parked state.
func (o *Orchestrator) Unbind() {
	for _, s := range o.subs {
		o.cfg.Signal.Off(s.ev, s.id)
	}
	o.subs = nil
	o.gen++
	for _, t := range o.timers {
		t.Stop()
	}
	clear(o.timers)
	for _, t := range o.stagger {
		t.Stop()
	}
	o.stagger = nil
	o.pending = nil
	clear(o.parked)
	o.order = nil
}

// Dispatch applies one inbound frame.
func (o *Orchestrator) Dispatch(m wire.Message) {
	if t, ok := m.(wire.Targeted); ok && t.Target() != "" && t.Target() != o.cfg.Self {
		return
	}
	switch m := m.(type) {
	case *wire.Offer:
		o.handleOffer(m)
	case *wire.Answer:
		o.handleAnswer(m)
	case *wire.ICECandidate:
		o.handleCandidate(m)
	case *wire.ParticipantReady:
		o.onPresence(m.UserID)
	case *wire.UserJoined:
		o.onPresence(m.UserID)
	case *wire.ParticipantsList:
		o.onParticipantsList(m)
	case *wire.MuteStatusChanged:
		if m.UserID != "" && m.UserID != o.cfg.Self {
			o.cfg.Roster.SetMuted(m.UserID, m.IsMuted)
		}
	case *wire.UserLeft:
		o.onDeparture(m.UserID)
	case *wire.CallEnd:
		o.onDeparture(m.UserID)
	}
}

func (o *Orchestrator) signaled(kind string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.Signaling.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (o *Orchestrator) glare() {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.GlareDrops.Add(context.Background(), 1)
	}
}

package orch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/app/apptest"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/webrtc/v4"
)

type fakeMedia struct{ ready atomic.Bool }

func (m *fakeMedia) Ready() bool { return m.ready.Load() }

type fixture struct {
	loop    *app.Loop
	signal  *apptest.Signal
	factory *apptest.Factory
	roster  *app.Roster
	reg     *app.Registry
	media   *fakeMedia
	orch    *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		loop:    app.NewLoop(),
		signal:  apptest.NewSignal(),
		factory: apptest.NewFactory(),
		roster:  app.NewRoster("u1"),
		media:   &fakeMedia{},
	}
	f.media.ready.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	go f.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.loop.Done()
	})
	f.reg = app.NewRegistry(app.RegistryConfig{
		Self:    "u1",
		Group:   "g1",
		Signal:  f.signal,
		Factory: f.factory.New,
		Loop:    f.loop,
		Roster:  f.roster,
	})
	cfg := Config{
		Self:     "u1",
		Group:    "g1",
		Signal:   f.signal,
		Registry: f.reg,
		Roster:   f.roster,
		Loop:     f.loop,
		Media:    f.media,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = New(cfg)
	f.orch.Bind()
	f.signal.Connect(context.Background(), "g1")
	return f
}

// call runs fn on the loop after everything posted so far.
func (f *fixture) call(t *testing.T, fn func()) {
	t.Helper()
	if err := f.loop.Call(context.Background(), fn); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

func (f *fixture) deliver(t *testing.T, msgs ...wire.Message) {
	t.Helper()
	for _, m := range msgs {
		f.signal.Deliver(m)
	}
	f.call(t, func() {})
}

func (f *fixture) state(t *testing.T, peer domain.UserID) webrtc.SignalingState {
	t.Helper()
	var st webrtc.SignalingState
	f.call(t, func() {
		e, ok := f.reg.Get(peer)
		if !ok {
			t.Fatalf("no entry for %s", peer)
		}
		st = e.Conn.SignalingState()
	})
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func offer(from domain.UserID) *wire.Offer {
	return &wire.Offer{
		TargetUserID: "u1",
		GroupID:      "g1",
		OffererID:    from,
		Offer:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-" + string(from)},
	}
}

func answer(from domain.UserID) *wire.Answer {
	return &wire.Answer{
		TargetUserID: "u1",
		GroupID:      "g1",
		AnswererID:   from,
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	}
}

func TestParticipantsListThenAnswerReachesStable(t *testing.T) {
	f := newFixture(t, nil)

	f.deliver(t, &wire.ParticipantsList{GroupID: "g1", Participants: []domain.UserID{"u2"}})
	eventually(t, "offer to u2", func() bool { return len(apptest.SentOf[*wire.Offer](f.signal)) == 1 })

	o := apptest.SentOf[*wire.Offer](f.signal)[0]
	if o.TargetUserID != "u2" || o.GroupID != "g1" || o.OffererID != "u1" {
		t.Fatalf("offer = %+v", o)
	}
	if o.Offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("offer SDP type = %s", o.Offer.Type)
	}
	if st := f.state(t, "u2"); st != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("state = %s, want have-local-offer", st)
	}

	f.deliver(t, answer("u2"))
	if st := f.state(t, "u2"); st != webrtc.SignalingStateStable {
		t.Fatalf("state after answer = %s, want stable", st)
	}
}

func TestParticipantsListOffersOncePerMember(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Stagger = 5 * time.Millisecond })

	list := &wire.ParticipantsList{GroupID: "g1", Participants: []domain.UserID{"a", "u1", "b", "c"}}
	f.deliver(t, list)
	eventually(t, "three offers", func() bool { return len(apptest.SentOf[*wire.Offer](f.signal)) >= 3 })
	f.deliver(t, list)
	time.Sleep(50 * time.Millisecond)
	f.call(t, func() {})

	offers := apptest.SentOf[*wire.Offer](f.signal)
	if len(offers) != 3 {
		t.Fatalf("sent %d offers, want 3", len(offers))
	}
	seen := map[domain.UserID]bool{}
	for _, o := range offers {
		seen[o.TargetUserID] = true
	}
	for _, p := range []domain.UserID{"a", "b", "c"} {
		if !seen[p] {
			t.Errorf("no offer to %s", p)
		}
	}
}

func TestOfferDuringLocalOfferIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.call(t, func() {
		if !f.orch.CreateOffer("u2") {
			t.Fatal("CreateOffer returned false")
		}
	})

	f.deliver(t, offer("u2"))

	if n := len(apptest.SentOf[*wire.Answer](f.signal)); n != 0 {
		t.Fatalf("sent %d answers during glare", n)
	}
	if st := f.state(t, "u2"); st != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("state = %s, want have-local-offer", st)
	}
	if n := f.factory.Count("u2"); n != 1 {
		t.Errorf("factory built %d connections, want 1", n)
	}
}

func TestOfferInStableIsAnswered(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(t, offer("u3"))

	answers := apptest.SentOf[*wire.Answer](f.signal)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	a := answers[0]
	if a.TargetUserID != "u3" || a.AnswererID != "u1" || a.GroupID != "g1" {
		t.Errorf("answer = %+v", a)
	}
	if a.Answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer SDP type = %s", a.Answer.Type)
	}

	// A late answer for a negotiation we never started changes nothing.
	f.deliver(t, answer("u3"))
	if st := f.state(t, "u3"); st != webrtc.SignalingStateStable {
		t.Errorf("state = %s, want stable", st)
	}
}

func TestPresenceSkipsConnectedAndSelf(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"})
	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"})
	if n := len(apptest.SentOf[*wire.Offer](f.signal)); n != 1 {
		t.Fatalf("duplicate presence sent %d offers, want 1", n)
	}

	f.deliver(t, answer("u2"))
	f.factory.Latest("u2").SetState(webrtc.PeerConnectionStateConnected)
	f.deliver(t,
		&wire.UserJoined{GroupID: "g1", UserID: "u2"},
		&wire.ParticipantReady{GroupID: "g1", UserID: "u1"},
	)
	if n := len(apptest.SentOf[*wire.Offer](f.signal)); n != 1 {
		t.Fatalf("sent %d offers, want 1", n)
	}
}

func TestSignalsBeforeMediaAreReplayed(t *testing.T) {
	f := newFixture(t, nil)
	f.media.ready.Store(false)

	f.deliver(t,
		&wire.UserJoined{GroupID: "g1", UserID: "u2"},
		offer("u3"),
		&wire.ICECandidate{TargetUserID: "u1", GroupID: "g1", SenderID: "u3", Candidate: webrtc.ICECandidateInit{Candidate: "c1"}},
	)
	if n := len(f.signal.Sent()); n != 0 {
		t.Fatalf("sent %d frames before media was ready", n)
	}
	var pending []domain.UserID
	f.call(t, func() { pending = f.orch.Pending() })
	if len(pending) != 2 || pending[0] != "u3" || pending[1] != "u2" {
		t.Fatalf("Pending() = %v, want [u3 u2]", pending)
	}

	f.media.ready.Store(true)
	f.call(t, f.orch.OnLocalReady)

	if a := apptest.SentOf[*wire.Answer](f.signal); len(a) != 1 || a[0].TargetUserID != "u3" {
		t.Fatalf("answers = %+v", a)
	}
	if o := apptest.SentOf[*wire.Offer](f.signal); len(o) != 1 || o[0].TargetUserID != "u2" {
		t.Fatalf("offers = %+v", o)
	}
	if c := f.factory.Latest("u3").Candidates(); len(c) != 1 || c[0].Candidate != "c1" {
		t.Errorf("buffered candidates = %+v", c)
	}
}

func TestCandidateErrorIsNonFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(t, offer("u2"))
	f.factory.Latest("u2").FailCandidates(errors.New("bad candidate"))

	f.deliver(t, &wire.ICECandidate{TargetUserID: "u1", GroupID: "g1", SenderID: "u2", Candidate: webrtc.ICECandidateInit{Candidate: "x"}})
	f.deliver(t, &wire.ICECandidate{TargetUserID: "u1", GroupID: "g1", SenderID: "nobody", Candidate: webrtc.ICECandidateInit{Candidate: "y"}})

	if f.reg.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", f.reg.Len())
	}
}

func TestUnansweredOfferExpires(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OfferTimeout = 20 * time.Millisecond })
	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"})
	eventually(t, "expired entry", func() bool { return f.reg.Len() == 0 })

	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"})
	if n := len(apptest.SentOf[*wire.Offer](f.signal)); n != 2 {
		t.Fatalf("sent %d offers, want a retry after expiry", n)
	}
}

func TestExpiredOfferDropsSilentPeerFromRoster(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OfferTimeout = 20 * time.Millisecond })
	f.deliver(t, &wire.UserJoined{GroupID: "g1", UserID: "u2"})
	f.call(t, func() {
		if _, ok := f.roster.Get("u2"); !ok {
			t.Error("presence record missing before expiry")
		}
	})
	eventually(t, "expired entry", func() bool { return f.reg.Len() == 0 })
	f.call(t, func() {
		if _, ok := f.roster.Get("u2"); ok {
			t.Error("presence record kept for a peer that never answered")
		}
	})
}

func TestAnsweredOfferDoesNotExpire(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OfferTimeout = 20 * time.Millisecond })
	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"}, answer("u2"))
	time.Sleep(60 * time.Millisecond)
	f.call(t, func() {})
	if f.reg.Len() != 1 {
		t.Fatal("answered entry was removed")
	}
}

func TestDepartureRemovesPeer(t *testing.T) {
	for _, leave := range []wire.Message{
		&wire.UserLeft{GroupID: "g1", UserID: "u2"},
		&wire.CallEnd{GroupID: "g1", UserID: "u2"},
	} {
		t.Run(string(leave.Kind()), func(t *testing.T) {
			f := newFixture(t, nil)
			f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"}, leave)
			if f.reg.Len() != 0 {
				t.Fatal("entry not removed")
			}
			if _, ok := f.roster.Get("u2"); ok {
				t.Error("presence record not removed")
			}
			if !f.factory.Latest("u2").IsClosed() {
				t.Error("connection left open")
			}
		})
	}
}

func TestMuteStatusOnlyTouchesRoster(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(t, &wire.MuteStatusChanged{GroupID: "g1", UserID: "u2", IsMuted: true})
	p, ok := f.roster.Get("u2")
	if !ok || !p.Muted {
		t.Fatalf("roster record = %+v, %v", p, ok)
	}
	if f.reg.Len() != 0 || len(f.signal.Sent()) != 0 {
		t.Error("mute status triggered signaling")
	}
}

func TestFramesForOthersAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	o := offer("u2")
	o.TargetUserID = "u9"
	f.deliver(t, o)
	if f.reg.Len() != 0 {
		t.Fatal("offer addressed to another participant was handled")
	}
}

func TestUnbindStopsHandling(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Stagger = 20 * time.Millisecond })
	f.deliver(t, &wire.ParticipantsList{GroupID: "g1", Participants: []domain.UserID{"a", "b"}})
	f.call(t, f.orch.Unbind)

	if n := f.signal.Listeners(core.EventFor(wire.TypeOffer)); n != 0 {
		t.Fatalf("%d offer listeners left", n)
	}
	f.deliver(t, &wire.ParticipantReady{GroupID: "g1", UserID: "u2"})
	time.Sleep(60 * time.Millisecond)
	f.call(t, func() {})
	for _, o := range apptest.SentOf[*wire.Offer](f.signal) {
		if o.TargetUserID != "a" {
			t.Errorf("offer to %s after Unbind", o.TargetUserID)
		}
	}
}

package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/app/apptest"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/media"
	"github.com/dkeye/circlechat/internal/wire"
)

type fixture struct {
	signal  *apptest.Signal
	factory *apptest.Factory
	devices *media.VirtualDevices
	ctrl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vd := &media.VirtualDevices{Microphone: true, Camera: true}
	f := newFixtureWith(t, vd)
	f.devices = vd
	return f
}

func newFixtureWith(t *testing.T, devices media.Devices) *fixture {
	t.Helper()
	loop := app.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	self, err := domain.NewUser("u1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		signal:  apptest.NewSignal(),
		factory: apptest.NewFactory(),
	}
	f.ctrl = NewController(Options{
		Self:      self,
		Transport: f.signal,
		Devices:   devices,
		Factory:   f.factory.New,
		Loop:      loop,
	})
	t.Cleanup(func() {
		_ = f.ctrl.End(context.Background())
		f.ctrl.Close()
		cancel()
		<-loop.Done()
	})
	return f
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

func TestStartAnnouncesReadyAndCallStart(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), "g1", domain.CallVideo); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.ctrl.State() != StateActive {
		t.Fatalf("State() = %s, want active", f.ctrl.State())
	}
	if n := f.signal.Connects(); n != 1 {
		t.Errorf("channel connected %d times, want 1", n)
	}

	sent := f.signal.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2: %+v", len(sent), sent)
	}
	ready, ok := sent[0].(*wire.ParticipantReady)
	if !ok || ready.UserID != "u1" || ready.GroupID != "g1" {
		t.Errorf("first frame = %+v", sent[0])
	}
	start, ok := sent[1].(*wire.CallStart)
	if !ok || start.CallerName != "Alice" || start.CallType != domain.CallVideo {
		t.Errorf("second frame = %+v", sent[1])
	}
	if n := len(f.ctrl.LocalTracks()); n != 2 {
		t.Errorf("local tracks = %d, want audio and video", n)
	}
	if ps := f.ctrl.Participants(); len(ps) != 1 || ps[0].ID != "u1" || ps[0].DisplayName != "Alice" {
		t.Errorf("Participants() = %+v", ps)
	}
}

func TestAudioCallCapturesNoVideo(t *testing.T) {
	f := newFixture(t)
	f.devices.Camera = false
	if err := f.ctrl.Start(context.Background(), "g1", domain.CallAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tracks := f.ctrl.LocalTracks()
	if len(tracks) != 1 || tracks[0].Kind() != media.KindAudio {
		t.Fatalf("tracks = %+v", tracks)
	}
	if _, err := f.ctrl.ToggleVideo(); !errors.Is(err, ErrNoVideo) {
		t.Errorf("ToggleVideo = %v, want ErrNoVideo", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.Start(ctx, "g1", domain.CallAudio); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Start(ctx, "g2", domain.CallAudio); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second Start = %v, want ErrAlreadyInCall", err)
	}
}

func TestToggleMuteTwiceRestoresTrack(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), "g1", domain.CallAudio); err != nil {
		t.Fatal(err)
	}
	audio := f.ctrl.LocalTracks()[0]
	before := audio.Enabled()
	f.signal.Reset()

	muted, err := f.ctrl.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("first ToggleMute = %v, %v", muted, err)
	}
	if audio.Enabled() {
		t.Error("audio still enabled while muted")
	}
	muted, err = f.ctrl.ToggleMute()
	if err != nil || muted {
		t.Fatalf("second ToggleMute = %v, %v", muted, err)
	}
	if audio.Enabled() != before {
		t.Errorf("Enabled() = %v, want %v", audio.Enabled(), before)
	}

	got := apptest.SentOf[*wire.MuteStatusChanged](f.signal)
	if len(got) != 2 {
		t.Fatalf("sent %d mute broadcasts, want 2", len(got))
	}
	if !got[0].IsMuted || got[1].IsMuted || got[0].UserID != "u1" {
		t.Errorf("broadcasts = %+v, %+v", got[0], got[1])
	}
}

func TestToggleVideoSendsNothing(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), "g1", domain.CallVideo); err != nil {
		t.Fatal(err)
	}
	f.signal.Reset()
	off, err := f.ctrl.ToggleVideo()
	if err != nil || !off {
		t.Fatalf("ToggleVideo = %v, %v", off, err)
	}
	if n := len(f.signal.Sent()); n != 0 {
		t.Errorf("ToggleVideo sent %d frames", n)
	}
}

func TestEndReleasesEverythingButTheChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var chats int
	var mu sync.Mutex
	f.signal.On(core.EventFor(wire.TypeChat), func(wire.Message) {
		mu.Lock()
		chats++
		mu.Unlock()
	})
	if err := f.ctrl.Start(ctx, "g1", domain.CallVideo); err != nil {
		t.Fatal(err)
	}
	f.signal.Deliver(&wire.ParticipantsList{GroupID: "g1", Participants: []domain.UserID{"u2", "u3"}})
	eventually(t, "two peers", func() bool { return len(f.ctrl.Peers()) == 2 })
	tracks := f.ctrl.LocalTracks()

	if err := f.ctrl.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	if len(f.ctrl.Peers()) != 0 {
		t.Errorf("Peers() = %v after End", f.ctrl.Peers())
	}
	for _, p := range []domain.UserID{"u2", "u3"} {
		if !f.factory.Latest(p).IsClosed() {
			t.Errorf("connection to %s left open", p)
		}
	}
	for _, tr := range tracks {
		if !tr.Stopped() {
			t.Errorf("%s track not stopped", tr.Kind())
		}
	}
	if f.signal.State() != core.ChannelOpen {
		t.Errorf("channel state = %v, want open", f.signal.State())
	}
	if ends := apptest.SentOf[*wire.CallEnd](f.signal); len(ends) != 1 || ends[0].UserID != "u1" {
		t.Errorf("call_end frames = %+v", ends)
	}
	if f.ctrl.State() != StateIdle || f.ctrl.Participants() != nil {
		t.Error("session state not cleared")
	}
	if n := f.signal.Listeners(core.EventFor(wire.TypeOffer)); n != 0 {
		t.Errorf("%d offer listeners left after End", n)
	}

	f.signal.Deliver(&wire.Chat{GroupID: "g1", Content: "still here"})
	mu.Lock()
	defer mu.Unlock()
	if chats != 1 {
		t.Errorf("chat listener saw %d messages, want 1", chats)
	}
}

// gatedDevices holds GetUserMedia until release is closed, like a pending
// permission prompt.
type gatedDevices struct {
	media.VirtualDevices
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	tracks []*media.Track
}

func newGatedDevices() *gatedDevices {
	return &gatedDevices{
		VirtualDevices: media.VirtualDevices{Microphone: true, Camera: true},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (d *gatedDevices) GetUserMedia(ctx context.Context, c media.Constraints) ([]*media.Track, error) {
	close(d.entered)
	<-d.release
	tracks, err := d.VirtualDevices.GetUserMedia(ctx, c)
	d.mu.Lock()
	d.tracks = append(d.tracks, tracks...)
	d.mu.Unlock()
	return tracks, err
}

func (d *gatedDevices) acquired() []*media.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*media.Track(nil), d.tracks...)
}

func TestEndDuringMediaAcquisition(t *testing.T) {
	devices := newGatedDevices()
	f := newFixtureWith(t, devices)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- f.ctrl.Start(ctx, "g1", domain.CallAudio) }()
	<-devices.entered

	if err := f.ctrl.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	close(devices.release)

	select {
	case err := <-started:
		if !errors.Is(err, ErrNotInCall) {
			t.Errorf("Start = %v, want ErrNotInCall", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("State() = %s, want idle", f.ctrl.State())
	}

	tracks := devices.acquired()
	if len(tracks) == 0 {
		t.Fatal("devices produced no tracks")
	}
	for _, tr := range tracks {
		if !tr.Stopped() {
			t.Errorf("%s track left running after End", tr.Kind())
		}
	}

	sent := f.signal.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want only call_end: %+v", len(sent), sent)
	}
	if _, ok := sent[0].(*wire.CallEnd); !ok {
		t.Errorf("frame = %+v, want call_end", sent[0])
	}
	if n := f.signal.Listeners(core.EventFor(wire.TypeOffer)); n != 0 {
		t.Errorf("%d offer listeners left after End", n)
	}
}

func TestEndWithoutCall(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.End(context.Background()); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("End = %v, want ErrNotInCall", err)
	}
	if _, err := f.ctrl.ToggleMute(); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("ToggleMute = %v, want ErrNotInCall", err)
	}
}

func TestMediaFailuresAreClassifiedAndRetryable(t *testing.T) {
	cases := []struct {
		name         string
		t            domain.CallType
		breakDevices func(*media.VirtualDevices)
		want         media.Reason
	}{
		{"denied", domain.CallAudio, func(d *media.VirtualDevices) { d.Deny = true }, media.ReasonPermissionDenied},
		{"no microphone", domain.CallAudio, func(d *media.VirtualDevices) { d.Microphone = false }, media.ReasonNoDevice},
		{"no camera", domain.CallVideo, func(d *media.VirtualDevices) { d.Camera = false }, media.ReasonNoDevice},
		{"busy", domain.CallAudio, func(d *media.VirtualDevices) { d.Busy = true }, media.ReasonDeviceBusy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tc.breakDevices(f.devices)

			err := f.ctrl.Start(ctx, "g1", tc.t)
			var ae *media.AcquireError
			if !errors.As(err, &ae) || ae.Reason != tc.want {
				t.Fatalf("Start = %v, want reason %s", err, tc.want)
			}
			if ae.Hint() == "" {
				t.Error("empty hint")
			}
			if f.ctrl.State() != StateMediaError {
				t.Fatalf("State() = %s, want media_error", f.ctrl.State())
			}
			if n := len(apptest.SentOf[*wire.ParticipantReady](f.signal)); n != 0 {
				t.Fatal("presence announced without media")
			}

			*f.devices = media.VirtualDevices{Microphone: true, Camera: true}
			if err := f.ctrl.RetryMedia(ctx); err != nil {
				t.Fatalf("RetryMedia: %v", err)
			}
			if f.ctrl.State() != StateActive {
				t.Fatalf("State() after retry = %s", f.ctrl.State())
			}
			if n := len(apptest.SentOf[*wire.CallStart](f.signal)); n != 1 {
				t.Errorf("sent %d call_start, want 1", n)
			}
		})
	}
}

func TestIncomingCallAcceptAndDecline(t *testing.T) {
	f := newFixture(t)
	rings := make(chan Caller, 4)
	f.ctrl.OnIncoming(func(c Caller) { rings <- c })

	f.signal.Deliver(&wire.CallStart{GroupID: "g1", CallerID: "u1", CallerName: "Alice", CallType: domain.CallAudio})
	f.signal.Deliver(&wire.CallStart{GroupID: "g1", CallerID: "u2", CallerName: "Bob", CallType: domain.CallVideo})

	var caller Caller
	select {
	case caller = <-rings:
	case <-time.After(time.Second):
		t.Fatal("no ring")
	}
	if caller.UserID != "u2" || caller.Name != "Bob" || caller.CallType != domain.CallVideo {
		t.Fatalf("caller = %+v", caller)
	}
	select {
	case extra := <-rings:
		t.Fatalf("unexpected ring %+v", extra)
	default:
	}

	if err := f.ctrl.DeclineIncoming(caller); err != nil {
		t.Fatalf("DeclineIncoming: %v", err)
	}
	if d := apptest.SentOf[*wire.CallDecline](f.signal); len(d) != 1 || d[0].TargetUserID != "u2" || d[0].UserID != "u1" {
		t.Fatalf("decline frames = %+v", d)
	}
	if f.ctrl.State() != StateIdle {
		t.Fatal("decline changed call state")
	}

	if err := f.ctrl.AcceptIncoming(context.Background(), caller); err != nil {
		t.Fatalf("AcceptIncoming: %v", err)
	}
	if a := apptest.SentOf[*wire.CallAccept](f.signal); len(a) != 1 || a[0].TargetUserID != "u2" {
		t.Fatalf("accept frames = %+v", a)
	}
	if n := len(apptest.SentOf[*wire.CallStart](f.signal)); n != 0 {
		t.Errorf("accept re-announced the call %d times", n)
	}
	if len(f.ctrl.LocalTracks()) != 2 {
		t.Error("accepting a video call did not capture video")
	}

	f.signal.Deliver(&wire.CallStart{GroupID: "g1", CallerID: "u3", CallType: domain.CallVideo})
	select {
	case extra := <-rings:
		t.Fatalf("ring for the call already joined: %+v", extra)
	default:
	}
}

func TestDeclineOnClosedChannel(t *testing.T) {
	f := newFixture(t)
	f.signal.Closed = true
	if err := f.ctrl.DeclineIncoming(Caller{GroupID: "g1", UserID: "u2"}); !errors.Is(err, ErrNotSent) {
		t.Fatalf("DeclineIncoming = %v, want ErrNotSent", err)
	}
}

func TestReconnectReannouncesPresence(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), "g1", domain.CallAudio); err != nil {
		t.Fatal(err)
	}
	f.signal.Reset()
	f.signal.Reconnect()
	if r := apptest.SentOf[*wire.ParticipantReady](f.signal); len(r) != 1 || r[0].GroupID != "g1" {
		t.Fatalf("ready frames after reconnect = %+v", r)
	}
}

package liveclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeNegotiator struct {
	mu         sync.Mutex
	negotiated bool
	joinCalls  int
	joinErr    error
	joinGate   chan struct{}
	result     JoinResult
	submitted  []Record
	submitErr  error
	log        *eventLog
}

func (f *fakeNegotiator) NegotiateJoin(_ context.Context, sessionID string) (*JoinResult, error) {
	f.mu.Lock()
	if f.negotiated {
		f.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	f.negotiated = true
	f.joinCalls++
	gate := f.joinGate
	err := f.joinErr
	res := f.result
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		f.mu.Lock()
		f.negotiated = false
		f.mu.Unlock()
		return nil, &NegotiationError{SessionID: sessionID, Err: err}
	}
	return &res, nil
}

func (f *fakeNegotiator) SubmitAttendance(_ context.Context, _ string, rec *Record) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, *rec)
	err := f.submitErr
	f.mu.Unlock()
	if f.log != nil {
		f.log.add("submit")
	}
	return err
}

func (f *fakeNegotiator) Reset() {
	f.mu.Lock()
	f.negotiated = false
	f.mu.Unlock()
}

func (f *fakeNegotiator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joinCalls
}

func (f *fakeNegotiator) records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.submitted...)
}

func (f *fakeNegotiator) setJoinErr(err error) {
	f.mu.Lock()
	f.joinErr = err
	f.mu.Unlock()
}

type fakeRoom struct {
	mu           sync.Mutex
	handler      RoomHandler
	state        ConnectionState
	connectCalls int
	connectErr   error
	connectGate  chan struct{}
	audioErr     error
	videoErr     error
	audioOn      bool
	videoOn      bool
	disconnects  int
	log          *eventLog
}

func (f *fakeRoom) SetHandler(h RoomHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeRoom) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRoom) Connect(_ context.Context, _, _ string) error {
	f.mu.Lock()
	if f.state == StateConnecting || f.state == StateConnected {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.connectCalls++
	gate := f.connectGate
	err := f.connectErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateConnectFailed
		return &TransportError{Op: "connect", Err: err}
	}
	f.state = StateConnected
	return nil
}

func (f *fakeRoom) Disconnect() {
	f.mu.Lock()
	f.state = StateDisconnected
	f.disconnects++
	f.audioOn = false
	f.videoOn = false
	f.mu.Unlock()
	if f.log != nil {
		f.log.add("disconnect")
	}
}

// drop simulates a provider-initiated disconnect.
func (f *fakeRoom) drop() {
	f.mu.Lock()
	f.state = StateDisconnected
	h := f.handler
	f.mu.Unlock()
	if h.OnStateChange != nil {
		h.OnStateChange(StateDisconnected)
	}
}

func (f *fakeRoom) PublishAudio(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return f.audioErr
	}
	f.audioOn = true
	return nil
}

func (f *fakeRoom) PublishVideo(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.videoErr != nil {
		return f.videoErr
	}
	f.videoOn = true
	return nil
}

func (f *fakeRoom) UnpublishAudio() {
	f.mu.Lock()
	f.audioOn = false
	f.mu.Unlock()
}

func (f *fakeRoom) UnpublishVideo() {
	f.mu.Lock()
	f.videoOn = false
	f.mu.Unlock()
}

func (f *fakeRoom) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeRoom) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func newTestController(t *testing.T, neg *fakeNegotiator, room *fakeRoom, opts ControllerConfig) *Controller {
	t.Helper()
	opts.SessionID = "sess-1"
	opts.Negotiator = neg
	opts.Room = room
	c, err := NewController(opts)
	require.NoError(t, err)
	return c
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tick,
		"expected state %s, last seen %s", want, c.State())
}

func TestRepeatedStartJoinFiresSingleNegotiation(t *testing.T) {
	gate := make(chan struct{})
	neg := &fakeNegotiator{joinGate: gate, result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{}

	var transitions []State
	var transMu sync.Mutex
	c := newTestController(t, neg, room, ControllerConfig{
		OnStateChange: func(s State) {
			transMu.Lock()
			transitions = append(transitions, s)
			transMu.Unlock()
		},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.StartJoin(ctx)
	}
	require.Equal(t, StateJoining, c.State())

	close(gate)
	waitForState(t, c, StateActive)

	// another attempt while active is ignored too
	c.StartJoin(ctx)
	require.Equal(t, StateActive, c.State())

	require.Equal(t, 1, neg.calls(), "negotiation must fire exactly once")
	require.Equal(t, 1, room.calls())

	transMu.Lock()
	defer transMu.Unlock()
	require.Equal(t, []State{StateJoining, StateActive}, transitions,
		"transitions are edge-triggered, one per actual change")
}

func TestNegotiationFailureReachesJoinFailedThenRetries(t *testing.T) {
	neg := &fakeNegotiator{joinErr: errors.New("connection refused"), result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	waitForState(t, c, StateJoinFailed)

	// retry is permitted and re-attempts negotiation
	neg.setJoinErr(nil)
	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)
	require.Equal(t, 2, neg.calls())
}

func TestConnectFailureResetsNegotiationForRetry(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{connectErr: errors.New("ice failed")}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	waitForState(t, c, StateJoinFailed)

	room.setConnectErr(nil)
	room.mu.Lock()
	room.state = StateDisconnected
	room.mu.Unlock()

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)
	require.Equal(t, 2, neg.calls())
}

func TestTokenlessJoinScenario(t *testing.T) {
	log := &eventLog{}
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}, log: log}
	room := &fakeRoom{log: log}
	c := newTestController(t, neg, room, ControllerConfig{})

	clock := newFakeClock()
	c.tracker.now = clock.Now

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	for i := 0; i < 3; i++ {
		c.Interaction(InteractionChat)
	}
	clock.Advance(12*time.Minute + 30*time.Second)

	rec := c.Leave(context.Background())
	require.NotNil(t, rec)
	require.Equal(t, 12, rec.DurationMinutes)
	require.Equal(t, 15, rec.ParticipationScore)
	require.Equal(t, StateIdle, c.State())

	submitted := neg.records()
	require.Len(t, submitted, 1, "attendance submitted exactly once")
	require.Equal(t, 12, submitted[0].DurationMinutes)
	require.Equal(t, 15, submitted[0].ParticipationScore)

	// duration is computed and submitted before transport teardown
	require.Equal(t, []string{"submit", "disconnect"}, log.list())

	// a second leave has nothing to do
	require.Nil(t, c.Leave(context.Background()))
	require.Len(t, neg.records(), 1)
}

func TestSubmitFailureDoesNotBlockTeardown(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}, submitErr: errors.New("backend down")}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	rec := c.Leave(context.Background())
	require.NotNil(t, rec)
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, StateDisconnected, room.State(), "room is released even when bookkeeping fails")
}

func TestLeaveWhileJoiningDiscardsLateConnect(t *testing.T) {
	gate := make(chan struct{})
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{connectGate: gate}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	require.Eventually(t, func() bool { return room.calls() == 1 }, waitFor, tick)

	// cancel while connect is still in flight
	require.Nil(t, c.Leave(context.Background()))
	require.Equal(t, StateIdle, c.State())

	// the late success belongs to an abandoned epoch: transport is released,
	// no attendance starts
	close(gate)
	require.Eventually(t, func() bool { return room.State() == StateDisconnected }, waitFor, tick)
	require.Equal(t, StateIdle, c.State())
	require.False(t, c.tracker.Active())
	require.Empty(t, neg.records())
}

func TestProviderDisconnectReconnectsWithoutRenegotiation(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42", Token: "tok"}}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	clock := newFakeClock()
	c.tracker.now = clock.Now

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	clock.Advance(5 * time.Minute)
	room.drop()
	waitForState(t, c, StateActive)

	require.Equal(t, 2, room.calls())
	require.Equal(t, 1, neg.calls(), "reconnect reuses the join result")

	// attendance window survives the reconnect
	clock.Advance(5 * time.Minute)
	rec := c.Leave(context.Background())
	require.Equal(t, 10, rec.DurationMinutes)
}

func TestReconnectFailureSubmitsAttendanceAndAllowsRetry(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	room.setConnectErr(errors.New("ice failed"))
	room.drop()
	waitForState(t, c, StateJoinFailed)

	require.Len(t, neg.records(), 1, "partial attendance is reported")

	room.setConnectErr(nil)
	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)
	require.Equal(t, 2, neg.calls())
}

func TestDeviceFailureDegradesToAudioOnly(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{videoErr: &DeviceError{Kind: TrackVideo, Err: errors.New("camera busy")}}
	c := newTestController(t, neg, room, ControllerConfig{PublishAudio: true, PublishVideo: true})

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	require.Eventually(t, func() bool {
		room.mu.Lock()
		defer room.mu.Unlock()
		return room.audioOn
	}, waitFor, tick)
	room.mu.Lock()
	videoOn := room.videoOn
	room.mu.Unlock()
	require.False(t, videoOn)
	require.Equal(t, StateActive, c.State(), "device failure must not fail the session")

	// toggling video reports the device error but the session stays up
	err := c.ToggleVideo(context.Background(), true)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, StateActive, c.State())
}

func TestRemoteParticipantDeduplication(t *testing.T) {
	neg := &fakeNegotiator{result: JoinResult{ChannelName: "room-42"}}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	c.StartJoin(context.Background())
	waitForState(t, c, StateActive)

	room.mu.Lock()
	h := room.handler
	room.mu.Unlock()

	// redundant notifications after a provider-side reconnect
	for _, id := range []string{"p1", "p2", "p1", "p3", "p1"} {
		h.OnParticipantJoined(id)
	}
	h.OnTrackPublished("p2", TrackAudio)
	h.OnTrackPublished("p2", TrackAudio)

	require.Len(t, c.Participants(), 3)
	p, ok := c.roster.Get("p2")
	require.True(t, ok)
	require.True(t, p.HasAudio)

	h.OnParticipantLeft("p3")
	require.Len(t, c.Participants(), 2)
}

func TestLeaveFromIdleIsIgnored(t *testing.T) {
	neg := &fakeNegotiator{}
	room := &fakeRoom{}
	c := newTestController(t, neg, room, ControllerConfig{})

	require.Nil(t, c.Leave(context.Background()))
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, neg.records())
}

package liveclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
	StateJoinFailed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateJoinFailed:
		return "join_failed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ControllerConfig configures a session lifecycle controller.
type ControllerConfig struct {
	SessionID  string
	Negotiator Negotiator
	Room       RoomClient
	// PublishAudio/PublishVideo request local track publication once the room
	// is connected. Device acquisition failures degrade the session to fewer
	// tracks instead of failing it.
	PublishAudio bool
	PublishVideo bool
	// OnStateChange, when set, is invoked on every lifecycle transition. It
	// runs with the controller lock held and must not call back into the
	// controller.
	OnStateChange func(State)
	Logger        *zap.Logger
}

// Controller is the session lifecycle state machine:
//
//	Idle → Joining → Active → Leaving → Idle
//	          ↓
//	     JoinFailed → (retry via StartJoin)
//	Active → Reconnecting → Active | JoinFailed
//
// All transitions are serialized by an internal mutex. Async completions
// (negotiation, room connect) capture an epoch at issue time; a completion
// whose epoch no longer matches is stale (the attempt was abandoned) and is
// discarded rather than applied.
type Controller struct {
	sessionID    string
	negotiator   Negotiator
	room         RoomClient
	publishAudio bool
	publishVideo bool
	onState      func(State)
	logger       *zap.Logger

	tracker *Tracker
	roster  *Roster

	mu    sync.Mutex
	state State
	epoch uint64
	join  *JoinResult
}

// NewController creates a controller and registers its handler on the room
// client.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("liveclient: session id required")
	}
	if cfg.Negotiator == nil || cfg.Room == nil {
		return nil, errors.New("liveclient: negotiator and room required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		sessionID:    cfg.SessionID,
		negotiator:   cfg.Negotiator,
		room:         cfg.Room,
		publishAudio: cfg.PublishAudio,
		publishVideo: cfg.PublishVideo,
		onState:      cfg.OnStateChange,
		logger:       logger.With(zap.String("session_id", cfg.SessionID)),
		tracker:      NewTracker(),
		roster:       NewRoster(),
		state:        StateIdle,
	}
	c.room.SetHandler(RoomHandler{
		OnStateChange:       c.onRoomState,
		OnParticipantJoined: func(id string) { c.roster.Upsert(id) },
		OnParticipantLeft:   func(id string) { c.roster.Remove(id) },
		OnTrackPublished:    func(id string, kind TrackKind) { c.roster.SetTrack(id, kind, true) },
		OnTrackUnpublished:  func(id string, kind TrackKind) { c.roster.SetTrack(id, kind, false) },
	})
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Participants returns a snapshot of the remote participant roster.
func (c *Controller) Participants() []Participant { return c.roster.List() }

// Attendance exposes the tracker so callers can report interaction events
// (chat messages and the like) while the session is active.
func (c *Controller) Attendance() *Tracker { return c.tracker }

// Interaction records an engagement event toward the participation score.
func (c *Controller) Interaction(kind InteractionKind) { c.tracker.Interaction(kind) }

// setStateLocked transitions state; caller holds the lock.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("lifecycle transition",
		zap.String("from", c.state.String()),
		zap.String("to", s.String()))
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

// StartJoin begins a join attempt. A second StartJoin while Joining, Active,
// Leaving, or Reconnecting is ignored, not queued and not an error. This is
// the controller-level enforcement of one active session per client. The
// attempt itself runs asynchronously; progress is observable via
// OnStateChange and State.
func (c *Controller) StartJoin(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateJoinFailed:
	default:
		c.logger.Warn("start join ignored", zap.String("state", c.state.String()))
		c.mu.Unlock()
		return
	}
	c.epoch++
	e := c.epoch
	c.setStateLocked(StateJoining)
	c.mu.Unlock()

	go c.runJoin(ctx, e)
}

func (c *Controller) runJoin(ctx context.Context, e uint64) {
	res, err := c.negotiator.NegotiateJoin(ctx, c.sessionID)

	c.mu.Lock()
	if e != c.epoch {
		c.mu.Unlock()
		return // attempt abandoned while negotiating
	}
	if err != nil {
		c.logger.Warn("join negotiation failed", zap.Error(err))
		c.setStateLocked(StateJoinFailed)
		c.mu.Unlock()
		return
	}
	c.join = res
	c.mu.Unlock()

	err = c.room.Connect(ctx, res.ChannelName, res.Token)

	c.mu.Lock()
	if e != c.epoch {
		c.mu.Unlock()
		if err == nil {
			// late success for an abandoned attempt: release the transport
			c.room.Disconnect()
		}
		return
	}
	if err != nil {
		c.logger.Warn("room connect failed", zap.Error(err))
		c.join = nil
		c.negotiator.Reset()
		c.setStateLocked(StateJoinFailed)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateActive)
	c.mu.Unlock()

	c.tracker.JoinConfirmed()
	c.publishLocalTracks(ctx)
}

// publishLocalTracks publishes requested local tracks. A DeviceError disables
// that track type only; the session stays up.
func (c *Controller) publishLocalTracks(ctx context.Context) {
	if c.publishAudio {
		if err := c.room.PublishAudio(ctx); err != nil {
			c.logPublishFailure(TrackAudio, err)
		}
	}
	if c.publishVideo {
		if err := c.room.PublishVideo(ctx); err != nil {
			c.logPublishFailure(TrackVideo, err)
		}
	}
}

func (c *Controller) logPublishFailure(kind TrackKind, err error) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		c.logger.Warn("device unavailable, continuing without track",
			zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	c.logger.Warn("publish failed", zap.String("kind", string(kind)), zap.Error(err))
}

// ToggleVideo publishes or unpublishes local video during an active session.
// A device acquisition failure leaves the toggle off and returns the error
// without affecting the session.
func (c *Controller) ToggleVideo(ctx context.Context, on bool) error {
	if c.State() != StateActive {
		return fmt.Errorf("toggle video: %w", ErrNotConnected)
	}
	if !on {
		c.room.UnpublishVideo()
		return nil
	}
	return c.room.PublishVideo(ctx)
}

// ToggleAudio publishes or unpublishes local audio during an active session.
func (c *Controller) ToggleAudio(ctx context.Context, on bool) error {
	if c.State() != StateActive {
		return fmt.Errorf("toggle audio: %w", ErrNotConnected)
	}
	if !on {
		c.room.UnpublishAudio()
		return nil
	}
	return c.room.PublishAudio(ctx)
}

// onRoomState reacts to transport-level transitions. Only a provider-
// initiated drop while Active triggers reconnection; drops caused by an
// explicit Leave arrive while the state is Leaving and are ignored here.
func (c *Controller) onRoomState(s ConnectionState) {
	if s != StateDisconnected {
		return
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.epoch++
	e := c.epoch
	join := c.join
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.logger.Warn("provider disconnect, attempting reconnect")
	go c.runReconnect(e, join)
}

// runReconnect makes exactly one reattempt with the existing join result. The
// channel name is stable for the session and the token is still within its
// one-cycle validity, so no re-negotiation happens and the at-most-one-join
// guarantee holds.
func (c *Controller) runReconnect(e uint64, join *JoinResult) {
	err := c.room.Connect(context.Background(), join.ChannelName, join.Token)

	c.mu.Lock()
	if e != c.epoch {
		c.mu.Unlock()
		if err == nil {
			c.room.Disconnect()
		}
		return
	}
	if err == nil {
		c.setStateLocked(StateActive)
		c.mu.Unlock()
		c.publishLocalTracks(context.Background())
		return
	}
	c.mu.Unlock()

	// The user did attend up to the drop: finalize and report best-effort,
	// then surface a retry affordance.
	c.logger.Warn("reconnect failed", zap.Error(err))
	if rec := c.tracker.Leave(); rec != nil {
		if subErr := c.negotiator.SubmitAttendance(context.Background(), c.sessionID, rec); subErr != nil {
			c.logger.Warn("attendance submit failed", zap.Error(subErr))
		}
	}
	c.roster.Clear()

	c.mu.Lock()
	if e == c.epoch {
		c.join = nil
		c.negotiator.Reset()
		c.setStateLocked(StateJoinFailed)
	}
	c.mu.Unlock()
}

// Leave tears the session down. From Active or Reconnecting the order is
// mandatory: finalize duration, submit attendance (failure logged, never
// blocking), then disconnect the transport. The duration must be computed
// before teardown so async cleanup cannot race the clock. From Joining it
// cancels the in-flight attempt; late completions are discarded by epoch.
// Returns the finalized record, or nil if no attendance was open.
func (c *Controller) Leave(ctx context.Context) *Record {
	c.mu.Lock()
	switch c.state {
	case StateActive, StateReconnecting:
	case StateJoining:
		c.epoch++
		c.join = nil
		c.negotiator.Reset()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.room.Disconnect() // safe on a partial connection
		return nil
	default:
		c.logger.Warn("leave ignored", zap.String("state", c.state.String()))
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	c.setStateLocked(StateLeaving)
	c.mu.Unlock()

	rec := c.tracker.Leave()
	if rec != nil {
		if err := c.negotiator.SubmitAttendance(ctx, c.sessionID, rec); err != nil {
			// bookkeeping must never trap the user in the room
			c.logger.Warn("attendance submit failed", zap.Error(err))
		}
	}
	c.room.Disconnect()
	c.roster.Clear()
	c.negotiator.Reset()

	c.mu.Lock()
	c.join = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	return rec
}

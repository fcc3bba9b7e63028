// Package liveclient coordinates a client's participation in a live session:
// join negotiation against the session directory API, room connection through
// a realtime provider, attendance measurement, and the lifecycle state machine
// that ties them together.
package liveclient

import (
	"context"
	"sync"
	"time"
)

// ConnectionState is the transport-level room connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateConnectFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrackKind identifies a media track type.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Participant is a remote peer present in the room, tracked by the
// provider-assigned id (unique within one room session only).
type Participant struct {
	RemoteID string    `json:"remote_id"`
	HasAudio bool      `json:"has_audio"`
	HasVideo bool      `json:"has_video"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomHandler receives room events. Providers may redeliver join/publish
// notifications after a network reconnect; handlers are wired through a Roster
// which de-duplicates by remote id. Callbacks must not call back into the
// component that registered them.
type RoomHandler struct {
	OnStateChange       func(state ConnectionState)
	OnParticipantJoined func(remoteID string)
	OnParticipantLeft   func(remoteID string)
	OnTrackPublished    func(remoteID string, kind TrackKind)
	OnTrackUnpublished  func(remoteID string, kind TrackKind)
}

// RoomClient is the narrow port over the realtime provider. Implementations
// wrap the vendor transport so callers never depend on its event names or
// object shapes.
//
// Connect while already connecting or connected is an idempotent no-op, not an
// error, to tolerate duplicate UI-triggered calls. Unpublish and Disconnect
// are always safe to call, including from a failure path.
type RoomClient interface {
	Connect(ctx context.Context, channelName, token string) error
	Disconnect()
	PublishAudio(ctx context.Context) error
	PublishVideo(ctx context.Context) error
	UnpublishAudio()
	UnpublishVideo()
	SetHandler(h RoomHandler)
	State() ConnectionState
}

// Roster tracks remote participants de-duplicated by remote id. A repeated
// join notification for an already-tracked id updates the existing record
// rather than creating a second one.
type Roster struct {
	mu           sync.Mutex
	participants map[string]*Participant
	now          func() time.Time
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		participants: make(map[string]*Participant),
		now:          time.Now,
	}
}

// Upsert adds a participant if absent and returns the tracked record.
func (r *Roster) Upsert(remoteID string) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[remoteID]
	if !ok {
		p = &Participant{RemoteID: remoteID, JoinedAt: r.now()}
		r.participants[remoteID] = p
	}
	return *p
}

// SetTrack updates a participant's published-track flags, creating the record
// if a publish notification arrives before the join notification.
func (r *Roster) SetTrack(remoteID string, kind TrackKind, published bool) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[remoteID]
	if !ok {
		p = &Participant{RemoteID: remoteID, JoinedAt: r.now()}
		r.participants[remoteID] = p
	}
	switch kind {
	case TrackAudio:
		p.HasAudio = published
	case TrackVideo:
		p.HasVideo = published
	}
	return *p
}

// Remove drops a participant. Returns false if the id was not tracked.
func (r *Roster) Remove(remoteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[remoteID]; !ok {
		return false
	}
	delete(r.participants, remoteID)
	return true
}

// Get returns the tracked participant for a remote id.
func (r *Roster) Get(remoteID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[remoteID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Size returns the number of distinct tracked participants.
func (r *Roster) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// List returns a snapshot of tracked participants.
func (r *Roster) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Clear drops all participants (room teardown).
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]*Participant)
}

// StateNotifier invokes a callback only on actual state transitions, so
// redundant provider reports of the same state do not flood downstream
// logging or re-trigger dependent side effects.
type StateNotifier struct {
	mu    sync.Mutex
	state ConnectionState
	fn    func(ConnectionState)
}

// NewStateNotifier creates a notifier starting in StateDisconnected.
func NewStateNotifier(fn func(ConnectionState)) *StateNotifier {
	return &StateNotifier{state: StateDisconnected, fn: fn}
}

// Set transitions to s. Returns true (and fires the callback) only if the
// state actually changed.
func (n *StateNotifier) Set(s ConnectionState) bool {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return false
	}
	n.state = s
	fn := n.fn
	n.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return true
}

// Current returns the current state.
func (n *StateNotifier) Current() ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

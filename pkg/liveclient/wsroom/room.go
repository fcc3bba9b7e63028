// Package wsroom implements liveclient.RoomClient over the platform's
// realtime WebSocket channel. Media transport itself stays with the external
// RTC provider; this client drives the coordination plane: presence, track
// signaling, and chat.
package wsroom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astrolive/backend/pkg/liveclient"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	readLimit    = 65536
	sendBuffer   = 64
)

// CaptureSource acquires local capture devices for publishing. Acquire
// returns a release func that must be called on unpublish. The local camera
// and microphone are exclusively owned by at most one room at a time, so
// implementations serialize acquire/release pairs.
type CaptureSource interface {
	Acquire(kind liveclient.TrackKind) (release func(), err error)
}

type nopCapture struct{}

func (nopCapture) Acquire(liveclient.TrackKind) (func(), error) { return func() {}, nil }

// NopCapture returns a capture source that always succeeds without touching
// hardware. Used by headless clients that signal publication only.
func NopCapture() CaptureSource { return nopCapture{} }

// Config configures a Room.
type Config struct {
	// URL is the ws endpoint, e.g. wss://api.example.com/ws.
	URL string
	// SessionID identifies the platform session.
	SessionID string
	// AuthToken is the platform JWT; the server validates it on upgrade.
	AuthToken string
	// Capture acquires local devices; defaults to NopCapture.
	Capture CaptureSource
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// envelope is the wire message format shared with the server hub.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type participantPayload struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role,omitempty"`
}

type trackPayload struct {
	ParticipantID string `json:"participant_id"`
	Kind          string `json:"kind"`
}

type rosterPayload struct {
	Participants []struct {
		ParticipantID string `json:"participant_id"`
		HasAudio      bool   `json:"has_audio"`
		HasVideo      bool   `json:"has_video"`
	} `json:"participants"`
}

// Room is a WebSocket-plane room client.
type Room struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer
	state  *liveclient.StateNotifier

	mu        sync.Mutex
	handler   liveclient.RoomHandler
	conn      *websocket.Conn
	send      chan envelope
	done      chan struct{}
	published map[liveclient.TrackKind]func() // kind -> device release
}

// New creates a room client. SetHandler must be called before Connect.
func New(cfg Config) *Room {
	if cfg.Capture == nil {
		cfg.Capture = NopCapture()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Room{
		cfg:       cfg,
		log:       logger.With(zap.String("session_id", cfg.SessionID)),
		dialer:    cfg.Dialer,
		published: make(map[liveclient.TrackKind]func()),
	}
	r.state = liveclient.NewStateNotifier(func(s liveclient.ConnectionState) {
		r.mu.Lock()
		fn := r.handler.OnStateChange
		r.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	return r
}

// SetHandler registers event callbacks.
func (r *Room) SetHandler(h liveclient.RoomHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// State returns the current connection state.
func (r *Room) State() liveclient.ConnectionState { return r.state.Current() }

// Connect dials the realtime endpoint and joins the named channel. Calling it
// while already connecting or connected is a warn-and-return no-op.
func (r *Room) Connect(ctx context.Context, channelName, token string) error {
	switch r.state.Current() {
	case liveclient.StateConnecting, liveclient.StateConnected:
		r.log.Warn("connect ignored, room already connecting or connected")
		return nil
	}
	r.state.Set(liveclient.StateConnecting)

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		r.state.Set(liveclient.StateConnectFailed)
		return &liveclient.TransportError{Op: "connect", Err: err}
	}
	q := u.Query()
	q.Set("session_id", r.cfg.SessionID)
	q.Set("channel", channelName)
	q.Set("token", r.cfg.AuthToken)
	if token != "" {
		q.Set("room_token", token)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		r.state.Set(liveclient.StateConnectFailed)
		return &liveclient.TransportError{Op: "connect", Err: err}
	}

	r.mu.Lock()
	r.conn = conn
	r.send = make(chan envelope, sendBuffer)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.writePump(conn, r.send, r.done)
	go r.readPump(conn)

	r.enqueue(envelope{Event: "join"})
	r.state.Set(liveclient.StateConnected)
	return nil
}

// PublishAudio acquires the microphone and signals publication.
func (r *Room) PublishAudio(ctx context.Context) error {
	return r.publish(ctx, liveclient.TrackAudio)
}

// PublishVideo acquires the camera and signals publication.
func (r *Room) PublishVideo(ctx context.Context) error {
	return r.publish(ctx, liveclient.TrackVideo)
}

func (r *Room) publish(_ context.Context, kind liveclient.TrackKind) error {
	if r.state.Current() != liveclient.StateConnected {
		return &liveclient.TransportError{Op: "publish", Err: liveclient.ErrNotConnected}
	}
	r.mu.Lock()
	if _, ok := r.published[kind]; ok {
		r.mu.Unlock()
		return nil // already published
	}
	r.mu.Unlock()

	release, err := r.cfg.Capture.Acquire(kind)
	if err != nil {
		return &liveclient.DeviceError{Kind: kind, Err: err}
	}

	r.mu.Lock()
	if _, ok := r.published[kind]; ok {
		r.mu.Unlock()
		release()
		return nil
	}
	r.published[kind] = release
	r.mu.Unlock()

	data, _ := json.Marshal(trackPayload{Kind: string(kind)})
	r.enqueue(envelope{Event: "publish_track", Data: data})
	return nil
}

// UnpublishAudio releases the microphone. Safe to call even if never
// published.
func (r *Room) UnpublishAudio() { r.unpublish(liveclient.TrackAudio) }

// UnpublishVideo releases the camera. Safe to call even if never published.
func (r *Room) UnpublishVideo() { r.unpublish(liveclient.TrackVideo) }

func (r *Room) unpublish(kind liveclient.TrackKind) {
	r.mu.Lock()
	release, ok := r.published[kind]
	if ok {
		delete(r.published, kind)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	release()
	if r.state.Current() == liveclient.StateConnected {
		data, _ := json.Marshal(trackPayload{Kind: string(kind)})
		r.enqueue(envelope{Event: "unpublish_track", Data: data})
	}
}

// SendChat sends a chat message into the session channel.
func (r *Room) SendChat(text string) error {
	if r.state.Current() != liveclient.StateConnected {
		return &liveclient.TransportError{Op: "chat", Err: liveclient.ErrNotConnected}
	}
	data, _ := json.Marshal(map[string]string{"text": text})
	r.enqueue(envelope{Event: "chat_message", Data: data})
	return nil
}

// SendReaction sends a reaction event into the session channel.
func (r *Room) SendReaction(emoji string) error {
	if r.state.Current() != liveclient.StateConnected {
		return &liveclient.TransportError{Op: "reaction", Err: liveclient.ErrNotConnected}
	}
	data, _ := json.Marshal(map[string]string{"emoji": emoji})
	r.enqueue(envelope{Event: "reaction", Data: data})
	return nil
}

// Disconnect tears down the connection, releases all local tracks, and
// transitions to disconnected. Safe to call multiple times and from a
// failure path.
func (r *Room) Disconnect() {
	r.mu.Lock()
	conn := r.conn
	done := r.done
	r.conn = nil
	r.done = nil
	released := r.published
	r.published = make(map[liveclient.TrackKind]func())
	r.mu.Unlock()

	for _, release := range released {
		release()
	}
	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
	r.state.Set(liveclient.StateDisconnected)
}

func (r *Room) enqueue(msg envelope) {
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- msg:
	default:
		r.log.Warn("send buffer full, dropping message", zap.String("event", msg.Event))
	}
}

func (r *Room) writePump(conn *websocket.Conn, send chan envelope, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Room) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		r.dispatch(msg)
	}

	// Read loop ended. If we still own this conn the drop was
	// provider-initiated; an explicit Disconnect cleared r.conn first.
	r.mu.Lock()
	owned := r.conn == conn
	r.mu.Unlock()
	if owned {
		r.Disconnect()
	}
}

func (r *Room) dispatch(msg envelope) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()

	switch msg.Event {
	case "participant_joined":
		var p participantPayload
		if json.Unmarshal(msg.Data, &p) == nil && p.ParticipantID != "" && h.OnParticipantJoined != nil {
			h.OnParticipantJoined(p.ParticipantID)
		}
	case "participant_left":
		var p participantPayload
		if json.Unmarshal(msg.Data, &p) == nil && p.ParticipantID != "" && h.OnParticipantLeft != nil {
			h.OnParticipantLeft(p.ParticipantID)
		}
	case "track_published":
		var t trackPayload
		if json.Unmarshal(msg.Data, &t) == nil && t.ParticipantID != "" && h.OnTrackPublished != nil {
			h.OnTrackPublished(t.ParticipantID, liveclient.TrackKind(t.Kind))
		}
	case "track_unpublished":
		var t trackPayload
		if json.Unmarshal(msg.Data, &t) == nil && t.ParticipantID != "" && h.OnTrackUnpublished != nil {
			h.OnTrackUnpublished(t.ParticipantID, liveclient.TrackKind(t.Kind))
		}
	case "roster":
		// Presence snapshot sent on connect. Replayed as individual events;
		// downstream rosters de-duplicate.
		var snap rosterPayload
		if json.Unmarshal(msg.Data, &snap) != nil {
			return
		}
		for _, p := range snap.Participants {
			if h.OnParticipantJoined != nil {
				h.OnParticipantJoined(p.ParticipantID)
			}
			if p.HasAudio && h.OnTrackPublished != nil {
				h.OnTrackPublished(p.ParticipantID, liveclient.TrackAudio)
			}
			if p.HasVideo && h.OnTrackPublished != nil {
				h.OnTrackPublished(p.ParticipantID, liveclient.TrackVideo)
			}
		}
	default:
		// chat, reactions, audience counts are application events; room
		// coordination ignores them
	}
}

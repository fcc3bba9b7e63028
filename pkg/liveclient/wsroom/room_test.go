package wsroom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/astrolive/backend/pkg/liveclient"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// sessionServer is a minimal stand-in for the platform realtime hub: it
// upgrades, answers the join announcement with a scripted event sequence, and
// echoes nothing else.
func sessionServer(t *testing.T, upgrades *int32, script []envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(upgrades, 1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg envelope
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event == "join" {
				for _, ev := range script {
					if err := conn.WriteJSON(ev); err != nil {
						return
					}
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestConnectDeliversParticipantEvents(t *testing.T) {
	var upgrades int32
	script := []envelope{
		{Event: "participant_joined", Data: mustJSON(t, participantPayload{ParticipantID: "p1"})},
		{Event: "participant_joined", Data: mustJSON(t, participantPayload{ParticipantID: "p1"})},
		{Event: "track_published", Data: mustJSON(t, trackPayload{ParticipantID: "p1", Kind: "audio"})},
		{Event: "participant_left", Data: mustJSON(t, participantPayload{ParticipantID: "p1"})},
	}
	srv := sessionServer(t, &upgrades, script)
	defer srv.Close()

	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt"})

	var mu sync.Mutex
	var joined, left []string
	var published []liveclient.TrackKind
	room.SetHandler(liveclient.RoomHandler{
		OnParticipantJoined: func(id string) { mu.Lock(); joined = append(joined, id); mu.Unlock() },
		OnParticipantLeft:   func(id string) { mu.Lock(); left = append(left, id); mu.Unlock() },
		OnTrackPublished: func(_ string, kind liveclient.TrackKind) {
			mu.Lock()
			published = append(published, kind)
			mu.Unlock()
		},
	})

	require.NoError(t, room.Connect(context.Background(), "room-42", ""))
	defer room.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(left) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"p1", "p1"}, joined, "events pass through raw; rosters de-duplicate")
	require.Equal(t, []liveclient.TrackKind{liveclient.TrackAudio}, published)
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()

	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt"})
	require.NoError(t, room.Connect(context.Background(), "room-42", "tok"))
	defer room.Disconnect()

	require.NoError(t, room.Connect(context.Background(), "room-42", "tok"))
	require.Equal(t, liveclient.StateConnected, room.State())
	require.EqualValues(t, 1, atomic.LoadInt32(&upgrades), "no second transport connection")
}

func TestConnectFailureIsTypedAndRetryable(t *testing.T) {
	room := New(Config{URL: "ws://127.0.0.1:1/ws", SessionID: "sess-1", AuthToken: "jwt",
		Dialer: &websocket.Dialer{HandshakeTimeout: 200 * time.Millisecond}})

	err := room.Connect(context.Background(), "room-42", "")
	var tErr *liveclient.TransportError
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, liveclient.StateConnectFailed, room.State())

	// a failed room can attempt a fresh connect
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()
	room2 := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt"})
	require.NoError(t, room2.Connect(context.Background(), "room-42", ""))
	room2.Disconnect()
}

func TestStateCallbacksAreEdgeTriggered(t *testing.T) {
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()

	var mu sync.Mutex
	var states []liveclient.ConnectionState
	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt"})
	room.SetHandler(liveclient.RoomHandler{
		OnStateChange: func(s liveclient.ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	require.NoError(t, room.Connect(context.Background(), "room-42", ""))
	room.Disconnect()
	room.Disconnect()
	room.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []liveclient.ConnectionState{
		liveclient.StateConnecting,
		liveclient.StateConnected,
		liveclient.StateDisconnected,
	}, states)
}

type failingCapture struct {
	failKind liveclient.TrackKind
	acquired int32
	released int32
}

func (f *failingCapture) Acquire(kind liveclient.TrackKind) (func(), error) {
	if kind == f.failKind {
		return nil, errors.New("device busy")
	}
	atomic.AddInt32(&f.acquired, 1)
	return func() { atomic.AddInt32(&f.released, 1) }, nil
}

func TestPublishDeviceFailureIsRecoverable(t *testing.T) {
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()

	capture := &failingCapture{failKind: liveclient.TrackVideo}
	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt", Capture: capture})
	require.NoError(t, room.Connect(context.Background(), "room-42", ""))
	defer room.Disconnect()

	require.NoError(t, room.PublishAudio(context.Background()))

	err := room.PublishVideo(context.Background())
	var devErr *liveclient.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, liveclient.TrackVideo, devErr.Kind)
	require.Equal(t, liveclient.StateConnected, room.State(), "device failure must not drop the room")
}

func TestUnpublishIsIdempotent(t *testing.T) {
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()

	capture := &failingCapture{}
	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt", Capture: capture})

	// safe even when never published and never connected
	room.UnpublishAudio()
	room.UnpublishVideo()

	require.NoError(t, room.Connect(context.Background(), "room-42", ""))
	defer room.Disconnect()

	require.NoError(t, room.PublishAudio(context.Background()))
	room.UnpublishAudio()
	room.UnpublishAudio()
	require.EqualValues(t, 1, atomic.LoadInt32(&capture.acquired))
	require.EqualValues(t, 1, atomic.LoadInt32(&capture.released))
}

func TestPublishWhenDisconnectedFails(t *testing.T) {
	room := New(Config{URL: "ws://example.invalid/ws", SessionID: "sess-1", AuthToken: "jwt"})
	err := room.PublishAudio(context.Background())
	var tErr *liveclient.TransportError
	require.ErrorAs(t, err, &tErr)
	require.ErrorIs(t, err, liveclient.ErrNotConnected)
}

func TestDisconnectReleasesTracks(t *testing.T) {
	var upgrades int32
	srv := sessionServer(t, &upgrades, nil)
	defer srv.Close()

	capture := &failingCapture{}
	room := New(Config{URL: wsURL(srv), SessionID: "sess-1", AuthToken: "jwt", Capture: capture})
	require.NoError(t, room.Connect(context.Background(), "room-42", ""))
	require.NoError(t, room.PublishAudio(context.Background()))

	room.Disconnect()
	require.EqualValues(t, 1, atomic.LoadInt32(&capture.released))
	require.Equal(t, liveclient.StateDisconnected, room.State())
}

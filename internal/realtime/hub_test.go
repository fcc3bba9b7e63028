package realtime

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePubSub struct {
	mu         sync.Mutex
	published  []string
	subscribed int
	cancelled  int
}

func (f *fakePubSub) PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakePubSub) SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}, nil
}

func testClient(sessionID, userID uuid.UUID) *Client {
	return &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		send:      make(chan WSMessage, 16),
	}
}

func TestRegisterUnregisterSubscriptionLifecycle(t *testing.T) {
	ps := &fakePubSub{}
	hub := NewHub(zap.NewNop(), ps, ps)
	sessionID := uuid.New()

	a := testClient(sessionID, uuid.New())
	b := testClient(sessionID, uuid.New())
	hub.Register(a)
	hub.Register(b)
	require.Equal(t, 2, hub.AudienceCount(sessionID))
	require.Equal(t, 1, ps.subscribed, "one Redis subscription per session")

	hub.Unregister(a)
	require.Equal(t, 1, hub.AudienceCount(sessionID))
	require.Equal(t, 0, ps.cancelled)

	hub.Unregister(b)
	require.Equal(t, 0, hub.AudienceCount(sessionID))
	require.Equal(t, 1, ps.cancelled, "subscription released with the last client")
}

func TestRosterCollapsesConnectionsPerUser(t *testing.T) {
	ps := &fakePubSub{}
	hub := NewHub(zap.NewNop(), ps, ps)
	sessionID := uuid.New()
	userID := uuid.New()

	first := testClient(sessionID, userID)
	second := testClient(sessionID, userID)
	first.setTrack("audio", true)
	second.setTrack("video", true)
	hub.Register(first)
	hub.Register(second)
	hub.Register(testClient(sessionID, uuid.New()))

	roster := hub.Roster(sessionID)
	require.Len(t, roster, 2, "same user twice is one roster entry")
	var merged *ParticipantState
	for i := range roster {
		if roster[i].ParticipantID == userID.String() {
			merged = &roster[i]
		}
	}
	require.NotNil(t, merged)
	require.True(t, merged.HasAudio, "track flags OR across connections")
	require.True(t, merged.HasVideo)
}

func TestAudienceChangeHandlerSeesPeak(t *testing.T) {
	ps := &fakePubSub{}
	hub := NewHub(zap.NewNop(), ps, ps)
	sessionID := uuid.New()

	var counts []int
	hub.SetAudienceChangeHandler(func(id uuid.UUID, count int) {
		require.Equal(t, sessionID, id)
		counts = append(counts, count)
	})

	a := testClient(sessionID, uuid.New())
	b := testClient(sessionID, uuid.New())
	hub.Register(a)
	hub.Register(b)
	hub.Unregister(a)
	require.Equal(t, []int{1, 2, 1}, counts)
}

func TestBroadcastSkipsFullBuffers(t *testing.T) {
	ps := &fakePubSub{}
	hub := NewHub(zap.NewNop(), ps, ps)
	sessionID := uuid.New()

	c := testClient(sessionID, uuid.New())
	c.send = make(chan WSMessage, 1)
	hub.Register(c)

	hub.BroadcastToSession(sessionID, "chat_message", map[string]string{"text": "a"})
	hub.BroadcastToSession(sessionID, "chat_message", map[string]string{"text": "b"})
	require.Len(t, c.send, 1, "second message dropped, not blocked")
}

func TestPublishToSessionOnlyPrefersRedis(t *testing.T) {
	ps := &fakePubSub{}
	hub := NewHub(zap.NewNop(), ps, ps)
	sessionID := uuid.New()
	c := testClient(sessionID, uuid.New())
	hub.Register(c)

	hub.PublishToSessionOnly(sessionID, "chat_message", map[string]string{"text": "hi"})
	require.Equal(t, []string{"chat_message"}, ps.published)
	require.Empty(t, c.send, "delivery happens via the Redis callback, not locally")
}

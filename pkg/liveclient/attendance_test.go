package liveclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTrackerDurationFlooredToMinutes(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker()
	tr.now = clock.Now

	tr.JoinConfirmed()
	clock.Advance(11*time.Minute + 59*time.Second)
	rec := tr.Leave()

	require.NotNil(t, rec)
	require.Equal(t, 11, rec.DurationMinutes)
}

func TestTrackerScoreSaturatesAt100(t *testing.T) {
	tr := NewTracker()
	tr.JoinConfirmed()
	for i := 0; i < 30; i++ {
		tr.Interaction(InteractionChat)
	}
	require.Equal(t, MaxParticipationScore, tr.Score())

	tr.Interaction(InteractionQuestion)
	require.Equal(t, MaxParticipationScore, tr.Score())
}

func TestTrackerInteractionWeights(t *testing.T) {
	tr := NewTracker()
	tr.JoinConfirmed()
	tr.Interaction(InteractionChat)
	tr.Interaction(InteractionQuestion)
	tr.Interaction(InteractionReaction)
	require.Equal(t, 17, tr.Score())
}

func TestTrackerInteractionBeforeJoinIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Interaction(InteractionChat)
	require.Equal(t, 0, tr.Score())
}

func TestTrackerLeaveIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker()
	tr.now = clock.Now

	tr.JoinConfirmed()
	tr.Interaction(InteractionChat)
	clock.Advance(5 * time.Minute)

	first := tr.Leave()
	clock.Advance(30 * time.Minute)
	second := tr.Leave()

	require.NotNil(t, first)
	require.Same(t, first, second)
	require.Equal(t, 5, second.DurationMinutes)
	require.Equal(t, 5, second.ParticipationScore)
}

func TestTrackerLeaveWithoutJoinReturnsNil(t *testing.T) {
	tr := NewTracker()
	require.Nil(t, tr.Leave())
}

func TestTrackerRejoinStartsNewRecord(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker()
	tr.now = clock.Now

	tr.JoinConfirmed()
	tr.Interaction(InteractionChat)
	clock.Advance(3 * time.Minute)
	first := tr.Leave()
	require.Equal(t, 3, first.DurationMinutes)

	tr.JoinConfirmed()
	clock.Advance(7 * time.Minute)
	second := tr.Leave()
	require.Equal(t, 7, second.DurationMinutes)
	require.Equal(t, 0, second.ParticipationScore)
}

func TestTrackerSecondJoinConfirmedKeepsWindow(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker()
	tr.now = clock.Now

	tr.JoinConfirmed()
	tr.Interaction(InteractionChat)
	clock.Advance(4 * time.Minute)
	// reconnect within the same join cycle
	tr.JoinConfirmed()
	clock.Advance(4 * time.Minute)

	rec := tr.Leave()
	require.Equal(t, 8, rec.DurationMinutes)
	require.Equal(t, 5, rec.ParticipationScore)
}

package liveclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRosterDeduplicatesByRemoteID(t *testing.T) {
	r := NewRoster()

	// providers may redeliver join notifications after a reconnect
	ids := []string{"peer-1", "peer-2", "peer-1", "peer-3", "peer-2", "peer-1"}
	for _, id := range ids {
		r.Upsert(id)
	}

	require.Equal(t, 3, r.Size())
}

func TestRosterRepeatJoinKeepsExistingRecord(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer-1")
	r.SetTrack("peer-1", TrackAudio, true)

	again := r.Upsert("peer-1")
	require.True(t, again.HasAudio, "repeat join must update the existing record, not replace it")
}

func TestRosterTrackFlags(t *testing.T) {
	r := NewRoster()
	r.SetTrack("peer-1", TrackVideo, true)

	p, ok := r.Get("peer-1")
	require.True(t, ok, "publish before join creates the record")
	require.True(t, p.HasVideo)
	require.False(t, p.HasAudio)

	r.SetTrack("peer-1", TrackVideo, false)
	p, _ = r.Get("peer-1")
	require.False(t, p.HasVideo)
}

func TestRosterRemove(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer-1")
	require.True(t, r.Remove("peer-1"))
	require.False(t, r.Remove("peer-1"))
	require.Equal(t, 0, r.Size())
}

func TestStateNotifierEdgeTriggered(t *testing.T) {
	var fired []ConnectionState
	n := NewStateNotifier(func(s ConnectionState) { fired = append(fired, s) })

	// redundant provider reports of the same state
	n.Set(StateConnecting)
	n.Set(StateConnecting)
	n.Set(StateConnected)
	n.Set(StateConnected)
	n.Set(StateConnected)
	n.Set(StateDisconnected)

	require.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, fired)
}

func TestStateNotifierInitialStateNotRefired(t *testing.T) {
	count := 0
	n := NewStateNotifier(func(ConnectionState) { count++ })
	n.Set(StateDisconnected)
	require.Equal(t, 0, count)
	require.Equal(t, StateDisconnected, n.Current())
}

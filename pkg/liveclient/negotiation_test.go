package liveclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func joinHandler(calls *int32, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNegotiateJoinParsesTokenlessResponse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(joinHandler(&calls, http.StatusOK,
		`{"success":true,"data":{"channel_name":"room-42","token":null,"app_id":0}}`))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})
	res, err := n.NegotiateJoin(context.Background(), "sess-1")

	require.NoError(t, err)
	require.Equal(t, "room-42", res.ChannelName)
	require.Empty(t, res.Token)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNegotiateJoinGuardBlocksSecondCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(joinHandler(&calls, http.StatusOK,
		`{"success":true,"data":{"channel_name":"room-42","token":"tok","app_id":7}}`))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})

	_, err := n.NegotiateJoin(context.Background(), "sess-1")
	require.NoError(t, err)

	_, err = n.NegotiateJoin(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrAlreadyJoined)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "network call must fire exactly once")
}

func TestNegotiateJoinFailureClearsGuard(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(joinHandler(&calls, http.StatusServiceUnavailable,
		`{"success":false,"error":"backend down"}`))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})

	_, err := n.NegotiateJoin(context.Background(), "sess-1")
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)

	// failure permits retry
	_, err = n.NegotiateJoin(context.Background(), "sess-1")
	require.ErrorAs(t, err, &negErr)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestNegotiateJoinFallbackTokenless(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{
		BaseURL:         srv.URL,
		AuthToken:       "jwt",
		FallbackChannel: "known-channel",
	})

	res, err := n.NegotiateJoin(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "known-channel", res.ChannelName)
	require.Empty(t, res.Token)

	// fallback counts as a successful cycle: the guard stays raised
	_, err = n.NegotiateJoin(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestResetPermitsNewCycle(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(joinHandler(&calls, http.StatusOK,
		`{"success":true,"data":{"channel_name":"room-42","token":"tok"}}`))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})

	_, err := n.NegotiateJoin(context.Background(), "sess-1")
	require.NoError(t, err)
	n.Reset()
	_, err = n.NegotiateJoin(context.Background(), "sess-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSubmitAttendancePostsRecord(t *testing.T) {
	var got leaveRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions/sess-1/leave", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})
	err := n.SubmitAttendance(context.Background(), "sess-1", &Record{
		DurationMinutes:    12,
		ParticipationScore: 15,
	})

	require.NoError(t, err)
	require.Equal(t, "Bearer jwt", auth)
	require.Equal(t, 12, got.DurationMinutes)
	require.Equal(t, 15, got.ParticipationScore)
}

func TestSubmitAttendanceErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNegotiator(NegotiatorConfig{BaseURL: srv.URL, AuthToken: "jwt"})
	err := n.SubmitAttendance(context.Background(), "sess-1", &Record{})

	var subErr *SubmitError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, "sess-1", subErr.SessionID)
}

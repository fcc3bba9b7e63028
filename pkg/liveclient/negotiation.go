package liveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JoinResult is produced by a join negotiation and handed straight to the
// room client. It is never cached beyond one join cycle; tokens may be
// time-limited.
type JoinResult struct {
	ChannelName string
	Token       string // empty in tokenless ("open") configurations
	AppID       uint32
}

// Negotiator performs the backend round-trip that authorizes and names a room
// for a session, and reports attendance on leave.
//
// NegotiateJoin guarantees at most one outstanding negotiation per cycle: the
// guard is set before the network call begins and cleared only on failure
// (permitting retry) or by Reset on full session teardown. A call while the
// guard is set returns ErrAlreadyJoined.
type Negotiator interface {
	NegotiateJoin(ctx context.Context, sessionID string) (*JoinResult, error)
	SubmitAttendance(ctx context.Context, sessionID string, rec *Record) error
	Reset()
}

// NegotiatorConfig configures the HTTP negotiator.
type NegotiatorConfig struct {
	BaseURL   string // e.g. https://api.example.com
	AuthToken string // platform JWT, sent as Bearer
	// FallbackChannel, when non-empty, is a previously known channel name the
	// negotiator falls back to tokenless when the join endpoint fails
	// (testing mode). Leave empty to propagate negotiation errors.
	FallbackChannel string
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// HTTPNegotiator implements Negotiator against the session directory REST
// API.
type HTTPNegotiator struct {
	baseURL  string
	token    string
	fallback string
	client   *http.Client
	logger   *zap.Logger

	mu         sync.Mutex
	negotiated bool
}

// NewHTTPNegotiator creates a negotiator for the session directory API.
func NewHTTPNegotiator(cfg NegotiatorConfig) *HTTPNegotiator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPNegotiator{
		baseURL:  cfg.BaseURL,
		token:    cfg.AuthToken,
		fallback: cfg.FallbackChannel,
		client:   client,
		logger:   logger,
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type joinPayload struct {
	ChannelName string  `json:"channel_name"`
	Token       *string `json:"token"`
	AppID       uint32  `json:"app_id"`
}

type leaveRequest struct {
	DurationMinutes    int `json:"duration_minutes"`
	ParticipationScore int `json:"participation_score"`
}

// NegotiateJoin calls POST /sessions/{id}/join exactly once per cycle. The
// guard is raised before the request: a duplicate backend join (and its
// attendance-start side effects) is worse than a lost slot on failure, where
// the guard is lowered again.
func (n *HTTPNegotiator) NegotiateJoin(ctx context.Context, sessionID string) (*JoinResult, error) {
	n.mu.Lock()
	if n.negotiated {
		n.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	n.negotiated = true
	n.mu.Unlock()

	res, err := n.postJoin(ctx, sessionID)
	if err == nil {
		return res, nil
	}

	if n.fallback != "" {
		n.logger.Warn("join negotiation failed, falling back to tokenless channel",
			zap.String("session_id", sessionID),
			zap.String("channel", n.fallback),
			zap.Error(err))
		return &JoinResult{ChannelName: n.fallback}, nil
	}

	n.mu.Lock()
	n.negotiated = false
	n.mu.Unlock()
	return nil, &NegotiationError{SessionID: sessionID, Err: err}
}

func (n *HTTPNegotiator) postJoin(ctx context.Context, sessionID string) (*JoinResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/sessions/%s/join", n.baseURL, sessionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		if env.Error != "" {
			return nil, fmt.Errorf("join rejected (status %d): %s", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("join rejected: status %d", resp.StatusCode)
	}
	var payload joinPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode join payload: %w", err)
	}
	if payload.ChannelName == "" {
		return nil, fmt.Errorf("join response missing channel name")
	}
	res := &JoinResult{ChannelName: payload.ChannelName, AppID: payload.AppID}
	if payload.Token != nil {
		res.Token = *payload.Token
	}
	return res, nil
}

// SubmitAttendance calls POST /sessions/{id}/leave with the finalized record.
func (n *HTTPNegotiator) SubmitAttendance(ctx context.Context, sessionID string, rec *Record) error {
	body, err := json.Marshal(leaveRequest{
		DurationMinutes:    rec.DurationMinutes,
		ParticipationScore: rec.ParticipationScore,
	})
	if err != nil {
		return &SubmitError{SessionID: sessionID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/sessions/%s/leave", n.baseURL, sessionID), bytes.NewReader(body))
	if err != nil {
		return &SubmitError{SessionID: sessionID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &SubmitError{SessionID: sessionID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SubmitError{SessionID: sessionID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// Reset lowers the join guard for a new cycle. Called on full session
// teardown, never while the room connection is still active.
func (n *HTTPNegotiator) Reset() {
	n.mu.Lock()
	n.negotiated = false
	n.mu.Unlock()
}

package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type trackEvent struct {
	ParticipantID string `json:"participant_id"`
	Kind          string `json:"kind"`
}

// Client represents a single WebSocket connection in a session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID
	Role      string
	JoinedAt  time.Time
	hub       *Hub
	sfu       *SFU
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger

	trackMu  sync.Mutex
	hasAudio bool
	hasVideo bool
}

// HasAudio reports whether this connection has a published audio track.
func (c *Client) HasAudio() bool {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return c.hasAudio
}

// HasVideo reports whether this connection has a published video track.
func (c *Client) HasVideo() bool {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return c.hasVideo
}

func (c *Client) setTrack(kind string, on bool) {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	switch kind {
	case "audio":
		c.hasAudio = on
	case "video":
		c.hasVideo = on
	}
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (userID, role string, err error), sfu *SFU) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		userIDStr, role, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, _ := uuid.Parse(userIDStr)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			JoinedAt:  time.Now(),
			hub:       hub,
			sfu:       sfu,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			logger:    logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.sfu != nil {
			c.sfu.UnregisterClient(c.SessionID, c.ID)
		}
		c.hub.Unregister(c)
		c.hub.BroadcastToSessionAndPublish(c.SessionID, "participant_left", map[string]string{
			"participant_id": c.UserID.String(),
		})
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(event string, payload interface{}) {
		c.hub.SendToClient(c.SessionID, c.ID, event, payload)
	}

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			// Presence snapshot to the joiner first, then announce to the room.
			sendToMe("roster", map[string]interface{}{
				"participants": c.hub.Roster(c.SessionID),
			})
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "participant_joined", map[string]string{
				"participant_id": c.UserID.String(),
				"role":           c.Role,
			})
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "audience_count", map[string]int{
				"count": c.hub.AudienceCount(c.SessionID),
			})
		case "publish_track":
			var p struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(msg.Data, &p); err != nil || (p.Kind != "audio" && p.Kind != "video") {
				break
			}
			c.setTrack(p.Kind, true)
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "track_published", trackEvent{
				ParticipantID: c.UserID.String(),
				Kind:          p.Kind,
			})
		case "unpublish_track":
			var p struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(msg.Data, &p); err != nil || (p.Kind != "audio" && p.Kind != "video") {
				break
			}
			c.setTrack(p.Kind, false)
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "track_unpublished", trackEvent{
				ParticipantID: c.UserID.String(),
				Kind:          p.Kind,
			})
		case "webrtc_publisher_offer":
			if c.sfu != nil {
				var payload struct {
					Type string `json:"type"`
					SDP  string `json:"sdp"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
					_ = c.sfu.HandlePublisherOffer(c.SessionID, c.ID, c.Role, sdp, sendToMe)
				}
			}
		case "webrtc_subscribe":
			if c.sfu != nil {
				_ = c.sfu.HandleSubscribe(c.SessionID, c.ID, sendToMe)
			}
		case "webrtc_subscriber_answer":
			if c.sfu != nil {
				var payload struct {
					Type string `json:"type"`
					SDP  string `json:"sdp"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
					_ = c.sfu.HandleSubscriberAnswer(c.SessionID, c.ID, sdp)
				}
			}
		case "webrtc_ice":
			if c.sfu != nil {
				var payload struct {
					Target    string          `json:"target"`
					Candidate json.RawMessage `json:"candidate"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
					var cand webrtc.ICECandidateInit
					if json.Unmarshal(payload.Candidate, &cand) == nil {
						if payload.Target == "publisher" {
							_ = c.sfu.HandlePublisherICE(c.SessionID, c.ID, cand)
						} else if payload.Target == "subscriber" {
							_ = c.sfu.HandleSubscriberICE(c.SessionID, c.ID, cand)
						}
					}
				}
			}
		case "question", "reaction":
			c.hub.BroadcastToSessionAndPublish(c.SessionID, msg.Event, json.RawMessage(msg.Data))
		case "chat_message":
			// Real-time chat: publish only so Redis subscriber broadcasts once (avoids duplicate for local clients).
			c.hub.PublishToSessionOnly(c.SessionID, msg.Event, json.RawMessage(msg.Data))
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

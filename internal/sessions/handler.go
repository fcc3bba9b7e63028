package sessions

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astrolive/backend/config"
	"github.com/astrolive/backend/internal/attendance"
	"github.com/astrolive/backend/internal/middleware"
	"github.com/astrolive/backend/internal/models"
	"github.com/astrolive/backend/internal/realtime"
	"github.com/astrolive/backend/internal/rtctoken"
	"github.com/astrolive/backend/pkg/queue"
	"github.com/astrolive/backend/pkg/response"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title           string  `json:"title" binding:"required"`
	Description     string  `json:"description"`
	ScheduledAt     string  `json:"scheduled_at" binding:"required"`
	DurationMinutes int     `json:"duration_minutes"`
	CourseRef       *string `json:"course_ref"`
}

// LeaveRequest is the body for POST /sessions/:id/leave. Duration and score
// are computed client-side at leave time and accepted after clamping.
type LeaveRequest struct {
	DurationMinutes    int `json:"duration_minutes"`
	ParticipationScore int `json:"participation_score"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	repo    *Repository
	attRepo *attendance.Repository
	rtc     config.RTCConfig
	jobs    *queue.Queue
	hub     *realtime.Hub
	logger  *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(repo *Repository, attRepo *attendance.Repository, rtc config.RTCConfig, jobs *queue.Queue, hub *realtime.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, attRepo: attRepo, rtc: rtc, jobs: jobs, hub: hub, logger: logger}
}

// Create handles POST /sessions (astrologer or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	scheduledAt, err := parseTime(req.ScheduledAt)
	if err != nil {
		response.BadRequest(c, "invalid scheduled_at")
		return
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = 60
	}

	s := &models.Session{
		Title:           req.Title,
		Description:     req.Description,
		AstrologerID:    userID,
		CourseRef:       req.CourseRef,
		ScheduledAt:     scheduledAt,
		DurationMinutes: req.DurationMinutes,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, s)
}

// List handles GET /sessions. Query ?status= filters by status, ?mine=1
// returns only sessions hosted by the current user.
func (h *Handler) List(c *gin.Context) {
	var status *models.SessionStatus
	if q := c.Query("status"); q != "" {
		st := models.SessionStatus(q)
		switch st {
		case models.SessionScheduled, models.SessionLive, models.SessionCompleted, models.SessionCancelled:
			status = &st
		default:
			response.BadRequest(c, "invalid status filter")
			return
		}
	}
	var astrologerID *uuid.UUID
	if c.Query("mine") == "1" {
		uid := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		astrologerID = &uid
	}
	list, err := h.repo.List(c.Request.Context(), status, astrologerID)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// Update handles PATCH /sessions/:id (host or admin).
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, ok := h.requireHost(c, id)
	if !ok {
		return
	}
	var req struct {
		Title           *string `json:"title"`
		Description     *string `json:"description"`
		ScheduledAt     *string `json:"scheduled_at"`
		DurationMinutes *int    `json:"duration_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	title, desc := s.Title, s.Description
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		desc = *req.Description
	}
	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		t, err := parseTime(*req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "invalid scheduled_at")
			return
		}
		scheduledAt = &t
	}
	if err := h.repo.Update(c.Request.Context(), id, title, desc, scheduledAt, req.DurationMinutes); err != nil {
		response.Internal(c, "failed to update session")
		return
	}
	updated, _ := h.repo.GetByID(c.Request.Context(), id)
	response.OK(c, updated)
}

// Delete handles DELETE /sessions/:id (host or admin).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, ok := h.requireHost(c, id); !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete session")
		return
	}
	response.NoContent(c)
}

// Start handles POST /sessions/:id/start (host or admin): scheduled -> live.
func (h *Handler) Start(c *gin.Context) {
	h.transition(c, []models.SessionStatus{models.SessionScheduled}, models.SessionLive, "session_started", nil)
}

// End handles POST /sessions/:id/end (host or admin): live -> completed.
// Attendees still connected get their open rows closed with a server-computed
// duration, then a stats refresh is queued.
func (h *Handler) End(c *gin.Context) {
	h.transition(c, []models.SessionStatus{models.SessionLive}, models.SessionCompleted, "session_ended", func(id uuid.UUID) {
		ctx := c.Request.Context()
		closed, err := h.attRepo.CloseAllOpen(ctx, id)
		if err != nil {
			h.logger.Warn("failed to close open attendance rows", zap.Error(err), zap.String("session_id", id.String()))
			return
		}
		if closed > 0 && h.jobs != nil {
			if err := h.jobs.EnqueueAttendance(ctx, queue.AttendancePayload{SessionID: id}); err != nil {
				h.logger.Warn("failed to enqueue attendance job", zap.Error(err), zap.String("session_id", id.String()))
			}
		}
	})
}

// Cancel handles POST /sessions/:id/cancel (host or admin): scheduled -> cancelled.
func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, []models.SessionStatus{models.SessionScheduled}, models.SessionCancelled, "session_cancelled", nil)
}

func (h *Handler) transition(c *gin.Context, from []models.SessionStatus, to models.SessionStatus, event string, after func(id uuid.UUID)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, ok := h.requireHost(c, id); !ok {
		return
	}
	s, err := h.repo.Transition(c.Request.Context(), id, from, to)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			response.Conflict(c, "session is not in a state that allows this transition")
			return
		}
		response.NotFound(c, "session not found")
		return
	}
	if after != nil {
		after(id)
	}
	if h.hub != nil {
		h.hub.BroadcastToSessionAndPublish(id, event, gin.H{"session_id": id, "status": s.Status})
	}
	response.OK(c, s)
}

// Join handles POST /sessions/:id/join. Returns the RTC join grant:
// channel name, room token (null when the platform runs tokenless) and app id.
// Also opens the caller's attendance row; a reconnect reuses the open row.
func (h *Handler) Join(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.MustGet(middleware.ContextUserRole).(string)

	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	if s.Status != models.SessionLive {
		response.Conflict(c, "session is not live")
		return
	}

	channel, err := h.repo.ProvisionChannel(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to provision channel")
		return
	}

	grant := models.JoinGrant{ChannelName: channel, AppID: h.rtc.AppID}
	if h.rtc.Enabled() {
		tok, err := rtctoken.GenerateRoomToken(h.rtc.AppID, h.rtc.ServerSecret, channel, userID.String(), role, int64(h.rtc.TokenTTLSec))
		if err != nil {
			h.logger.Error("room token generation failed", zap.Error(err), zap.String("session_id", id.String()))
			response.Internal(c, "failed to generate room token")
			return
		}
		grant.Token = &tok
	}

	if _, err := h.attRepo.Open(c.Request.Context(), id, userID); err != nil {
		h.logger.Error("failed to open attendance row", zap.Error(err),
			zap.String("session_id", id.String()), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to record attendance")
		return
	}
	if h.hub != nil {
		h.hub.BroadcastToSessionAndPublish(id, "attendee_joined", gin.H{"user_id": userID, "role": role})
	}

	response.OK(c, grant)
}

// Leave handles POST /sessions/:id/leave. Closes the caller's open attendance
// row with the client-reported duration and score (clamped server-side) and
// queues a stats refresh. Leaving without an open row returns 200 so retried
// leaves stay harmless.
func (h *Handler) Leave(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.DurationMinutes < 0 {
		req.DurationMinutes = 0
	}
	if req.ParticipationScore < 0 {
		req.ParticipationScore = 0
	}
	if req.ParticipationScore > 100 {
		req.ParticipationScore = 100
	}

	closed, err := h.attRepo.Close(c.Request.Context(), id, userID, req.DurationMinutes, req.ParticipationScore)
	if err != nil {
		response.Internal(c, "failed to record leave")
		return
	}
	if closed {
		if h.jobs != nil {
			if err := h.jobs.EnqueueAttendance(c.Request.Context(), queue.AttendancePayload{SessionID: id}); err != nil {
				h.logger.Warn("failed to enqueue attendance job", zap.Error(err), zap.String("session_id", id.String()))
			}
		}
		if h.hub != nil {
			h.hub.BroadcastToSessionAndPublish(id, "attendee_left", gin.H{"user_id": userID})
		}
	}
	response.OK(c, gin.H{"closed": closed})
}

// Attendees handles GET /sessions/:id/attendees (host or admin).
func (h *Handler) Attendees(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, ok := h.requireHost(c, id); !ok {
		return
	}
	list, err := h.attRepo.ListBySession(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to list attendees")
		return
	}
	response.OK(c, list)
}

// Stats handles GET /sessions/:id/stats (host or admin).
func (h *Handler) Stats(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, ok := h.requireHost(c, id); !ok {
		return
	}
	stats, err := h.attRepo.GetStats(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "no stats recorded for session")
		return
	}
	response.OK(c, stats)
}

// AudienceCount handles GET /sessions/:id/audience_count (live count from the WebSocket hub).
func (h *Handler) AudienceCount(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	count := 0
	if h.hub != nil {
		count = h.hub.AudienceCount(id)
	}
	response.OK(c, gin.H{"session_id": id, "count": count})
}

// requireHost loads the session and verifies the caller hosts it or is admin.
func (h *Handler) requireHost(c *gin.Context, id uuid.UUID) (*models.Session, bool) {
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.MustGet(middleware.ContextUserRole).(string)
	if s.AstrologerID != userID && role != string(models.RoleAdmin) {
		response.Forbidden(c, "only the session host or an admin can do this")
		return nil, false
	}
	return s, true
}

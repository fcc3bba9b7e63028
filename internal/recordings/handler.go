package recordings

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astrolive/backend/internal/middleware"
	"github.com/astrolive/backend/internal/models"
	"github.com/astrolive/backend/internal/sessions"
	"github.com/astrolive/backend/pkg/response"
	"github.com/astrolive/backend/pkg/storage"
)

// RecordingService starts/stops in-app recording (SFU astrologer view). Optional; nil disables start/stop.
type RecordingService interface {
	StartRecording(ctx context.Context, sessionID, recordingID uuid.UUID) (outputPath string, err error)
	StopRecording(sessionID uuid.UUID) (outputPath string, err error)
	HasActiveRecording(sessionID uuid.UUID) bool
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo        *Repository
	sessionRepo *sessions.Repository
	s3          *storage.S3
	recorder    RecordingService // optional: in-app recording from the astrologer view
	logger      *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, sessionRepo *sessions.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessionRepo: sessionRepo, s3: s3, logger: logger}
}

// SetRecordingService sets the optional in-app recording service (for start/stop from the astrologer view).
func (h *Handler) SetRecordingService(s RecordingService) { h.recorder = s }

// canManage verifies the caller hosts the session or is admin, writing the
// error response itself when not.
func (h *Handler) canManage(c *gin.Context, sessionID uuid.UUID) bool {
	s, err := h.sessionRepo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.NotFound(c, "session not found")
		return false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.MustGet(middleware.ContextUserRole).(string)
	if s.AstrologerID != userID && role != "admin" {
		response.Forbidden(c, "only the session host or an admin can manage recordings")
		return false
	}
	return true
}

// ListBySession handles GET /sessions/:id/recordings. Host or admin only.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if !h.canManage(c, sessionID) {
		return
	}

	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url. Returns presigned URL; only authorized users.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if rec.Status != "completed" || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	if !h.canManage(c, rec.SessionID) {
		return
	}

	if h.s3 == nil {
		response.Internal(c, "S3 not configured")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.UploadRecordingsBucket(), rec.S3Key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// StartRecording handles POST /sessions/:id/recording/start. Starts in-app recording of the astrologer view. Host or admin only.
func (h *Handler) StartRecording(c *gin.Context) {
	if h.recorder == nil {
		response.ServiceUnavailable(c, "recording service not configured")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if !h.canManage(c, sessionID) {
		return
	}
	if h.recorder.HasActiveRecording(sessionID) {
		response.Conflict(c, "recording already in progress")
		return
	}
	rec, err := h.repo.CreateFromSessionStart(c.Request.Context(), sessionID, "sfu")
	if err != nil {
		h.logger.Error("create recording row failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to start recording")
		return
	}
	_, err = h.recorder.StartRecording(c.Request.Context(), sessionID, rec.ID)
	if err != nil {
		_ = h.repo.UpdateStatus(c.Request.Context(), rec.ID, models.RecordingStatusFailed)
		h.logger.Error("start recording failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, gin.H{"recording_id": rec.ID, "status": models.RecordingStatusRecording})
}

// StopRecording handles POST /sessions/:id/recording/stop. Stops in-app recording and uploads file to S3.
func (h *Handler) StopRecording(c *gin.Context) {
	if h.recorder == nil {
		response.ServiceUnavailable(c, "recording service not configured")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if !h.canManage(c, sessionID) {
		return
	}
	path, err := h.recorder.StopRecording(sessionID)
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	defer func() { _ = os.Remove(path) }()

	rec, err := h.repo.FindBySessionStatus(c.Request.Context(), sessionID, models.RecordingStatusRecording)
	if err != nil || rec == nil {
		h.logger.Error("find recording in progress failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "recording not found")
		return
	}

	if h.s3 == nil {
		_ = h.repo.UpdateStatus(c.Request.Context(), rec.ID, models.RecordingStatusFailed)
		response.Internal(c, "S3 not configured")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		_ = h.repo.UpdateStatus(c.Request.Context(), rec.ID, models.RecordingStatusFailed)
		h.logger.Error("open recording file failed", zap.Error(err), zap.String("path", path))
		response.Internal(c, "failed to upload recording")
		return
	}
	defer f.Close()
	info, _ := f.Stat()
	// Store recorder output on AWS S3 (recordings bucket): recordings/{session_id}/{recording_id}.mp4
	key := storage.RecordingKey(rec.SessionID.String(), rec.ID.String())
	bucket := h.s3.UploadRecordingsBucket()
	h.logger.Info("S3 upload starting (AWS credentials from .env)", zap.String("bucket", bucket), zap.String("key", key), zap.String("recording_id", rec.ID.String()), zap.Int64("size", info.Size()))
	s3URL, err := h.s3.Upload(c.Request.Context(), bucket, key, "video/mp4", f, info.Size())
	if err != nil {
		_ = h.repo.UpdateStatus(c.Request.Context(), rec.ID, models.RecordingStatusFailed)
		h.logger.Error("upload recording to S3 failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to upload recording")
		return
	}
	if err := h.repo.UpdateS3Result(c.Request.Context(), rec.ID, s3URL, key, info.Size(), 0); err != nil {
		h.logger.Error("update recording S3 result failed", zap.Error(err))
	}
	response.OK(c, gin.H{"recording_id": rec.ID, "status": models.RecordingStatusCompleted, "s3_url": s3URL})
}

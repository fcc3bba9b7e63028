package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle status of a live session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session represents a scheduled live astrology session.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	AstrologerID    uuid.UUID     `json:"astrologer_id"`
	CourseRef       *string       `json:"course_ref,omitempty"`
	Status          SessionStatus `json:"status"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	// ChannelName is the RTC room identifier. Provisioned lazily on the
	// first join so scheduled-but-never-started sessions hold no channel.
	ChannelName *string   `json:"channel_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JoinGrant is the payload returned by the join endpoint: everything a client
// needs to enter the RTC room. Token is null when the platform runs tokenless.
type JoinGrant struct {
	ChannelName string  `json:"channel_name"`
	Token       *string `json:"token"`
	AppID       uint32  `json:"app_id"`
}

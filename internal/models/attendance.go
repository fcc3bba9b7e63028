package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionAttendance is one attendee's presence window in a session. A row is
// opened on join and closed on leave; an open row has LeftAt nil.
type SessionAttendance struct {
	ID                 uuid.UUID  `json:"id"`
	SessionID          uuid.UUID  `json:"session_id"`
	UserID             uuid.UUID  `json:"user_id"`
	JoinedAt           time.Time  `json:"joined_at"`
	LeftAt             *time.Time `json:"left_at,omitempty"`
	DurationMinutes    int        `json:"duration_minutes"`
	ParticipationScore int        `json:"participation_score"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SessionStats holds aggregated attendance analytics per session, refreshed
// by the worker after each leave.
type SessionStats struct {
	ID                 uuid.UUID `json:"id"`
	SessionID          uuid.UUID `json:"session_id"`
	TotalAttendees     int       `json:"total_attendees"`
	PeakConcurrent     int       `json:"peak_concurrent"`
	AvgDurationMinutes float64   `json:"avg_duration_minutes"`
	AvgParticipation   float64   `json:"avg_participation"`
	UpdatedAt          time.Time `json:"updated_at"`
}

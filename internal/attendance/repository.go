package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astrolive/backend/internal/models"
)

// Repository handles session_attendance rows and aggregates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open returns the user's open attendance row for the session, creating one if
// none exists. Reconnects within a session reuse the original row so the
// presence window is continuous.
func (r *Repository) Open(ctx context.Context, sessionID, userID uuid.UUID) (*models.SessionAttendance, error) {
	var a models.SessionAttendance
	err := r.pool.QueryRow(ctx,
		`SELECT id, session_id, user_id, joined_at, left_at, duration_minutes, participation_score, created_at
		 FROM session_attendance
		 WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL
		 ORDER BY joined_at DESC LIMIT 1`,
		sessionID, userID).
		Scan(&a.ID, &a.SessionID, &a.UserID, &a.JoinedAt, &a.LeftAt, &a.DurationMinutes, &a.ParticipationScore, &a.CreatedAt)
	if err == nil {
		return &a, nil
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO session_attendance (session_id, user_id, joined_at)
		 VALUES ($1, $2, NOW())
		 RETURNING id, session_id, user_id, joined_at, left_at, duration_minutes, participation_score, created_at`,
		sessionID, userID).
		Scan(&a.ID, &a.SessionID, &a.UserID, &a.JoinedAt, &a.LeftAt, &a.DurationMinutes, &a.ParticipationScore, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Close closes the most recent open row for this user in this session with the
// client-reported duration and participation score. Returns false when no open
// row exists, which makes repeated leaves harmless.
func (r *Repository) Close(ctx context.Context, sessionID, userID uuid.UUID, durationMinutes, participationScore int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE session_attendance a SET left_at = NOW(), duration_minutes = $3, participation_score = $4
		 FROM (SELECT id FROM session_attendance WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE a.id = sub.id`,
		sessionID, userID, durationMinutes, participationScore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CloseAllOpen closes every open attendance row for a session with a
// server-computed duration, floored to whole minutes. Used when the session
// ends while attendees are still connected. Returns the number of rows closed.
func (r *Repository) CloseAllOpen(ctx context.Context, sessionID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE session_attendance
		 SET left_at = NOW(),
		     duration_minutes = FLOOR(EXTRACT(EPOCH FROM (NOW() - joined_at)) / 60)
		 WHERE session_id = $1 AND left_at IS NULL`,
		sessionID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AttendeeRow is one row for GET /sessions/:id/attendees.
type AttendeeRow struct {
	UserID             uuid.UUID  `json:"user_id"`
	JoinedAt           time.Time  `json:"joined_at"`
	LeftAt             *time.Time `json:"left_at,omitempty"`
	DurationMinutes    int        `json:"duration_minutes"`
	ParticipationScore int        `json:"participation_score"`
}

// ListBySession returns attendees for a session (join time, leave time, duration, score).
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]AttendeeRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, joined_at, left_at, duration_minutes, participation_score
		 FROM session_attendance WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []AttendeeRow
	for rows.Next() {
		var row AttendeeRow
		if err := rows.Scan(&row.UserID, &row.JoinedAt, &row.LeftAt, &row.DurationMinutes, &row.ParticipationScore); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}

// Aggregates holds attendance aggregates used to refresh session stats.
type Aggregates struct {
	TotalAttendees   int
	AvgDuration      float64
	AvgParticipation float64
}

// GetAggregates returns distinct attendee count and averages over closed rows.
func (r *Repository) GetAggregates(ctx context.Context, sessionID uuid.UUID) (*Aggregates, error) {
	const q = `SELECT COUNT(DISTINCT user_id),
		COALESCE(AVG(duration_minutes), 0),
		COALESCE(AVG(participation_score), 0)
		FROM session_attendance WHERE session_id = $1 AND left_at IS NOT NULL`
	var agg Aggregates
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&agg.TotalAttendees, &agg.AvgDuration, &agg.AvgParticipation)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// UpsertStats writes aggregates into session_stats, preserving the recorded
// peak when the new value is lower.
func (r *Repository) UpsertStats(ctx context.Context, sessionID uuid.UUID, agg *Aggregates, peakConcurrent int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_stats (session_id, total_attendees, peak_concurrent, avg_duration_minutes, avg_participation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET
			total_attendees = EXCLUDED.total_attendees,
			peak_concurrent = GREATEST(session_stats.peak_concurrent, EXCLUDED.peak_concurrent),
			avg_duration_minutes = EXCLUDED.avg_duration_minutes,
			avg_participation = EXCLUDED.avg_participation,
			updated_at = NOW()`,
		sessionID, agg.TotalAttendees, peakConcurrent, agg.AvgDuration, agg.AvgParticipation)
	return err
}

// RecordPeak raises peak_concurrent for a session if the observed count is a new high.
func (r *Repository) RecordPeak(ctx context.Context, sessionID uuid.UUID, count int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_stats (session_id, peak_concurrent, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET
			peak_concurrent = GREATEST(session_stats.peak_concurrent, EXCLUDED.peak_concurrent),
			updated_at = NOW()`,
		sessionID, count)
	return err
}

// GetStats returns the stats row for a session.
func (r *Repository) GetStats(ctx context.Context, sessionID uuid.UUID) (*models.SessionStats, error) {
	var s models.SessionStats
	err := r.pool.QueryRow(ctx,
		`SELECT id, session_id, total_attendees, peak_concurrent, avg_duration_minutes, avg_participation, updated_at
		 FROM session_stats WHERE session_id = $1`,
		sessionID).
		Scan(&s.ID, &s.SessionID, &s.TotalAttendees, &s.PeakConcurrent, &s.AvgDurationMinutes, &s.AvgParticipation, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astrolive/backend/internal/models"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the session's current status.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, title, description, astrologer_id, course_ref, status, scheduled_at, duration_minutes, channel_name, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Title, &s.Description, &s.AstrologerID, &s.CourseRef, &s.Status,
		&s.ScheduledAt, &s.DurationMinutes, &s.ChannelName, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session in scheduled status.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, title, description, astrologer_id, course_ref, status, scheduled_at, duration_minutes)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'scheduled', $5, $6)
		RETURNING id, status, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.Title, s.Description, s.AstrologerID, s.CourseRef, s.ScheduledAt, s.DurationMinutes).
		Scan(&s.ID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	return scanSession(r.pool.QueryRow(ctx, q, id))
}

// List returns sessions, optionally filtered by status and/or astrologer.
func (r *Repository) List(ctx context.Context, status *models.SessionStatus, astrologerID *uuid.UUID) ([]models.Session, error) {
	base := fmt.Sprintf(`SELECT %s FROM sessions`, sessionColumns)
	var args []interface{}
	var cond string
	if status != nil {
		cond = " WHERE status = $1"
		args = append(args, *status)
	}
	if astrologerID != nil {
		if cond == "" {
			cond = " WHERE astrologer_id = $1"
		} else {
			cond += " AND astrologer_id = $2"
		}
		args = append(args, *astrologerID)
	}
	rows, err := r.pool.Query(ctx, base+cond+" ORDER BY scheduled_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Update updates session fields (title, description, scheduled_at, duration_minutes).
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description string, scheduledAt *time.Time, durationMinutes *int) error {
	const q = `UPDATE sessions SET title = $1, description = $2,
		scheduled_at = COALESCE($3, scheduled_at),
		duration_minutes = COALESCE($4, duration_minutes),
		updated_at = NOW() WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, title, description, scheduledAt, durationMinutes, id)
	return err
}

// Delete removes a session by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// Transition moves a session from one of the allowed statuses to the target
// status. The check and the write happen in one statement so concurrent
// transitions cannot race; returns ErrInvalidTransition when the current
// status is not in from.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []models.SessionStatus, to models.SessionStatus) (*models.Session, error) {
	q := fmt.Sprintf(`UPDATE sessions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
		RETURNING %s`, sessionColumns)
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	s, err := scanSession(r.pool.QueryRow(ctx, q, to, id, statuses))
	if err != nil {
		// distinguish missing session from disallowed transition
		if _, getErr := r.GetByID(ctx, id); getErr == nil {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return s, nil
}

// ProvisionChannel assigns the session's RTC channel name if not yet set and
// returns it. Concurrent joins all observe the same name because the COALESCE
// runs inside the UPDATE.
func (r *Repository) ProvisionChannel(ctx context.Context, id uuid.UUID) (string, error) {
	const q = `UPDATE sessions
		SET channel_name = COALESCE(channel_name, 'session-' || id::text), updated_at = NOW()
		WHERE id = $1
		RETURNING channel_name`
	var channel string
	if err := r.pool.QueryRow(ctx, q, id).Scan(&channel); err != nil {
		return "", err
	}
	return channel, nil
}

package liveclient

import (
	"sync"
	"time"
)

// InteractionKind classifies engagement events that feed the participation
// score.
type InteractionKind string

const (
	InteractionChat     InteractionKind = "chat"
	InteractionQuestion InteractionKind = "question"
	InteractionReaction InteractionKind = "reaction"
)

// MaxParticipationScore caps the accumulated score.
const MaxParticipationScore = 100

var interactionWeights = map[InteractionKind]int{
	InteractionChat:     5,
	InteractionQuestion: 10,
	InteractionReaction: 2,
}

// Record is the attendance report for one join attempt. It is finalized and
// transmitted exactly once at leave and never mutated afterwards.
type Record struct {
	JoinedAt           time.Time `json:"joined_at"`
	LeftAt             time.Time `json:"left_at"`
	DurationMinutes    int       `json:"duration_minutes"`
	ParticipationScore int       `json:"participation_score"`
}

// Tracker measures wall-clock attendance and accumulates a participation
// score from interaction events.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	active   bool
	joinedAt time.Time
	score    int
	last     *Record
}

// NewTracker creates an attendance tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// JoinConfirmed starts a new attendance window. A second call while a window
// is already open is a no-op: reconnects within one join cycle continue the
// original attendance.
func (t *Tracker) JoinConfirmed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return
	}
	t.active = true
	t.joinedAt = t.now()
	t.score = 0
}

// Interaction adds the fixed weight for the given kind, saturating at
// MaxParticipationScore. The score never decreases. Interactions outside an
// open attendance window are ignored.
func (t *Tracker) Interaction(kind InteractionKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	w := interactionWeights[kind]
	t.score += w
	if t.score > MaxParticipationScore {
		t.score = MaxParticipationScore
	}
}

// Score returns the current participation score.
func (t *Tracker) Score() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score
}

// Active reports whether an attendance window is open.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Leave finalizes the open window and returns the record. Duration is floored
// to whole minutes. A second call without an intervening JoinConfirmed
// returns the prior record unchanged (idempotent leave); it returns nil if no
// join was ever confirmed.
func (t *Tracker) Leave() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return t.last
	}
	left := t.now()
	minutes := int(left.Sub(t.joinedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	t.last = &Record{
		JoinedAt:           t.joinedAt,
		LeftAt:             left,
		DurationMinutes:    minutes,
		ParticipationScore: t.score,
	}
	t.active = false
	return t.last
}

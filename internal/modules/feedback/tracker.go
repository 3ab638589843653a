// Package feedback keeps an experience history of (action, feedback) pairs
// and derives the next rotation angle from it.
package feedback

import (
	"math"
	"sync"
	"time"

	"github.com/aristath/qloop/internal/domain"
)

// DefaultBias is returned before any feedback has been recorded.
const DefaultBias = math.Pi / 4

// Experience is one recorded action and the binary feedback it earned.
type Experience struct {
	Action     Action    `json:"action"`
	Feedback   int       `json:"feedback"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Tracker is an append-only experience history with a running mean.
type Tracker struct {
	mu      sync.RWMutex
	history []Experience
	sum     int
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends one experience. Feedback must be 0 or 1.
func (t *Tracker) Record(action Action, feedback int) error {
	if feedback != 0 && feedback != 1 {
		return domain.NewConfigurationError("feedback must be 0 or 1, got %d", feedback)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, Experience{Action: action, Feedback: feedback, RecordedAt: t.now()})
	t.sum += feedback
	return nil
}

// CurrentBias is the mean feedback so far, or π/4 when nothing was recorded.
func (t *Tracker) CurrentBias() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.history) == 0 {
		return DefaultBias
	}
	return float64(t.sum) / float64(len(t.history))
}

// Len returns the number of recorded experiences.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.history)
}

// History returns a copy of the experiences in recording order.
func (t *Tracker) History() []Experience {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Experience, len(t.history))
	copy(out, t.history)
	return out
}

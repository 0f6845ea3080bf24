package session

import (
	"math"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int // consecutive failed attempts before giving up; 0 means never
}

// DefaultBackoff mirrors the dashboard's reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Tracker is the status machine of one link. It holds no timers or sockets,
// so reconnect decisions can be tested without either.
//
//	Connecting -> Open      handshake succeeded, attempt counter reset
//	Connecting -> Closed    handshake failed
//	Open       -> Closed    socket error, remote close, pong timeout
//	Closed     -> Connecting after Delay(attempt)
//	Closed     -> Failed    attempt > MaxAttempts (terminal)
type Tracker struct {
	backoff Backoff
	status  models.LinkStatus
	attempt int
}

// NewTracker returns a tracker in the Connecting state.
func NewTracker(b Backoff) *Tracker {
	return &Tracker{backoff: b, status: models.LinkConnecting}
}

func (t *Tracker) Status() models.LinkStatus { return t.status }

// Attempt returns the number of consecutive failures since the last Open.
func (t *Tracker) Attempt() int { return t.attempt }

// Connecting marks the start of a handshake.
func (t *Tracker) Connecting() {
	if t.status != models.LinkFailed {
		t.status = models.LinkConnecting
	}
}

// Opened marks a successful handshake.
func (t *Tracker) Opened() {
	if t.status != models.LinkFailed {
		t.status = models.LinkOpen
		t.attempt = 0
	}
}

// Closed records a failure and returns the delay before the next attempt.
// ok is false once the attempts are exhausted; the tracker is then Failed.
func (t *Tracker) Closed() (delay time.Duration, ok bool) {
	if t.status == models.LinkFailed {
		return 0, false
	}
	t.attempt++
	if t.backoff.MaxAttempts > 0 && t.attempt > t.backoff.MaxAttempts {
		t.status = models.LinkFailed
		return 0, false
	}
	t.status = models.LinkClosed
	return t.backoff.Delay(t.attempt), true
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rnp-monitoreo/backend/internal/models"
)

var (
	// ErrExhausted is returned by Link.Run when reconnect attempts ran out.
	ErrExhausted = errors.New("reconnect attempts exhausted")

	errPongTimeout = errors.New("pong timeout")
)

const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// Normalizer turns a raw device frame into a snapshot.
type Normalizer interface {
	Normalize(machineID int, raw []byte) (models.SignalSnapshot, error)
}

// SnapshotFunc receives every valid snapshot of a link in arrival order.
type SnapshotFunc func(ctx context.Context, snap models.SignalSnapshot)

// StatusFunc is notified on every status change of a link.
type StatusFunc func(info models.LinkInfo)

// LinkOptions configures a Link.
type LinkOptions struct {
	Backoff      Backoff
	PingInterval time.Duration
	PongTimeout  time.Duration
	Clock        Clock
	Logger       *slog.Logger
	OnStatus     StatusFunc
}

// DefaultLinkOptions returns the production timings.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		Backoff:      DefaultBackoff(),
		PingInterval: 30 * time.Second,
		PongTimeout:  5 * time.Second,
	}
}

// Link keeps one machine's device connection alive. Every reconnect cycle
// runs a fresh ConnectionSession with its own id and socket.
type Link struct {
	machineID  int
	url        string
	dialer     Dialer
	normalizer Normalizer
	deliver    SnapshotFunc
	opts       LinkOptions
	logger     *slog.Logger

	dropped atomic.Int64

	mu   sync.RWMutex
	info models.LinkInfo
}

// NewLink creates a link for machineID at url. Run starts it.
func NewLink(machineID int, url string, dialer Dialer, normalizer Normalizer, deliver SnapshotFunc, opts LinkOptions) *Link {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Link{
		machineID:  machineID,
		url:        url,
		dialer:     dialer,
		normalizer: normalizer,
		deliver:    deliver,
		opts:       opts,
		logger:     opts.Logger.With("machine_id", machineID, "url", url),
		info: models.LinkInfo{
			MachineID: machineID,
			URL:       url,
			Status:    models.LinkClosed,
			Label:     models.LinkClosed.Label(),
		},
	}
}

// Info returns a copy of the current session info.
func (l *Link) Info() models.LinkInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info := l.info
	if info.LastMessageAt != nil {
		ts := *info.LastMessageAt
		info.LastMessageAt = &ts
	}
	return info
}

// Dropped returns how many inbound frames were discarded as malformed.
func (l *Link) Dropped() int64 {
	return l.dropped.Load()
}

// Run connects and reconnects until ctx is cancelled (returns nil) or the
// attempts are exhausted (returns ErrExhausted).
func (l *Link) Run(ctx context.Context) error {
	tracker := NewTracker(l.opts.Backoff)

	for {
		sessionID := uuid.New().String()
		tracker.Connecting()
		l.setStatus(sessionID, tracker, nil)

		err := l.runSession(ctx, sessionID, tracker)
		if ctx.Err() != nil {
			l.setClosed(sessionID, tracker.Attempt())
			return nil
		}

		delay, ok := tracker.Closed()
		l.setStatus(sessionID, tracker, err)
		if !ok {
			l.logger.Error("device link failed", "session_id", shortID(sessionID), "attempt", tracker.Attempt(), "err", err)
			return ErrExhausted
		}
		l.logger.Warn("device link closed, reconnecting",
			"session_id", shortID(sessionID), "attempt", tracker.Attempt(), "delay", delay, "err", err)

		timer := l.opts.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.setClosed(sessionID, tracker.Attempt())
			return nil
		case <-timer.C():
		}
	}
}

// runSession owns one socket from dial to teardown.
func (l *Link) runSession(ctx context.Context, sessionID string, tracker *Tracker) error {
	conn, err := l.dialer.Dial(ctx, l.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	tracker.Opened()
	l.setStatus(sessionID, tracker, nil)
	l.logger.Info("device link open", "session_id", shortID(sessionID))

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := l.opts.Clock.NewTicker(l.opts.PingInterval)
	var pongTimer Timer
	var pongDue <-chan time.Time

	// Timers go before the socket so nothing fires for a dead session.
	defer func() {
		ticker.Stop()
		if pongTimer != nil {
			pongTimer.Stop()
		}
		close(done)
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case data := <-frames:
			l.touch()
			switch strings.TrimSpace(string(data)) {
			case pongFrame:
				if pongTimer != nil {
					pongTimer.Stop()
					pongTimer, pongDue = nil, nil
				}
			case pingFrame:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(pongFrame)); err != nil {
					return fmt.Errorf("write pong: %w", err)
				}
			default:
				l.handleFrame(ctx, sessionID, data)
			}

		case <-ticker.C():
			if pongDue != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(pingFrame)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
			pongTimer = l.opts.Clock.NewTimer(l.opts.PongTimeout)
			pongDue = pongTimer.C()

		case <-pongDue:
			pongTimer, pongDue = nil, nil
			return errPongTimeout
		}
	}
}

func (l *Link) handleFrame(ctx context.Context, sessionID string, data []byte) {
	snap, err := l.normalizer.Normalize(l.machineID, data)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Warn("dropping device frame", "session_id", shortID(sessionID), "err", err)
		return
	}
	l.deliver(ctx, snap)
}

func (l *Link) touch() {
	now := l.opts.Clock.Now()
	l.mu.Lock()
	l.info.LastMessageAt = &now
	l.mu.Unlock()
}

func (l *Link) setStatus(sessionID string, tracker *Tracker, cause error) {
	l.mu.Lock()
	if l.info.SessionID != sessionID {
		l.info.LastMessageAt = nil
	}
	l.info.SessionID = sessionID
	l.info.Status = tracker.Status()
	l.info.Label = tracker.Status().Label()
	l.info.ReconnectAttempt = tracker.Attempt()
	l.info.LastError = ""
	if cause != nil {
		l.info.LastError = cause.Error()
	}
	if tracker.Status() == models.LinkFailed {
		l.info.LastError = fmt.Sprintf("%s: %s", ErrExhausted, l.info.LastError)
	}
	info := l.info
	l.mu.Unlock()

	if l.opts.OnStatus != nil {
		l.opts.OnStatus(info)
	}
}

// setClosed records an intentional teardown.
func (l *Link) setClosed(sessionID string, attempt int) {
	l.mu.Lock()
	l.info.SessionID = sessionID
	l.info.Status = models.LinkClosed
	l.info.Label = models.LinkClosed.Label()
	l.info.ReconnectAttempt = attempt
	l.info.LastError = ""
	info := l.info
	l.mu.Unlock()

	if l.opts.OnStatus != nil {
		l.opts.OnStatus(info)
	}
}

// shortID safely truncates an ID for logging.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Package agent is the device end of a machine link: it polls the GPIO lines
// and streams their state to every connected WebSocket client.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rnp-monitoreo/backend/internal/gpio"
)

// Frame is the message a device sends for every reading.
type Frame struct {
	MachineID int             `json:"machine_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Estados   map[string]bool `json:"estados"`
}

// Options configure a Server.
type Options struct {
	MachineID    int           // included in frames when set
	PollInterval time.Duration // how often the lines are sampled
	Heartbeat    time.Duration // an unchanged reading is re-sent after this long
	ClientBuffer int
	Logger       *slog.Logger
}

// DefaultOptions polls fast enough to catch counter pulses.
func DefaultOptions() Options {
	return Options{
		PollInterval: 50 * time.Millisecond,
		Heartbeat:    time.Second,
		ClientBuffer: 32,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves frames over WebSocket.
type Server struct {
	reader   gpio.Reader
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

// NewServer creates a server reading from reader.
func NewServer(reader gpio.Reader, opts Options) *Server {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = def.ClientBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reader: reader,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run polls the reader until ctx is done. A reading is broadcast when it
// differs from the previous one or when Heartbeat has passed since the last send.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var (
		prev     gpio.Lamps
		havePrev bool
		lastSent time.Time
	)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case now := <-ticker.C:
			lamps, err := s.reader.Read()
			if err != nil {
				s.logger.Warn("gpio read failed", "err", err)
				continue
			}
			if havePrev && lamps == prev && now.Sub(lastSent) < s.opts.Heartbeat {
				continue
			}
			if !havePrev || lamps != prev {
				s.logger.Debug("lines changed", "verde", lamps.Verde, "amarillo", lamps.Amarillo, "rojo", lamps.Rojo, "contador", lamps.Contador)
			}
			prev, havePrev, lastSent = lamps, true, now
			s.broadcast(s.encode(lamps, now))
		}
	}
}

func (s *Server) encode(lamps gpio.Lamps, now time.Time) []byte {
	data, _ := json.Marshal(Frame{
		MachineID: s.opts.MachineID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Estados:   lamps.Estados(),
	})
	return data
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = data
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			s.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
// A bare "ping" text message is answered with "pong".
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, s.opts.ClientBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	if s.last != nil {
		c.send <- s.last
	}
	s.mu.Unlock()
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("client read error", "remote", r.RemoteAddr, "err", err)
			}
			break
		}
		if string(msg) == "ping" {
			s.queue(c, []byte("pong"))
		}
	}

	s.mu.Lock()
	s.removeLocked(c)
	s.mu.Unlock()
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) queue(c *client, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		s.removeLocked(c)
	}
}

// writeLoop is the only writer of c.conn.
func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.mu.Lock()
			s.removeLocked(c)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Server) removeLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.removeLocked(c)
	}
}

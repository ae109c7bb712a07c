package ws

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"spodb.dev/internal/sim/world"
)

// Store is what a connection needs from the world.
type Store interface {
	Subscribe(l any, onSnapshot func(tick int64, objs []world.SpaceObject)) error
	RemoveListener(l any)
	CurrentTick() int64
}

type Config struct {
	// SendQueue bounds the frames waiting for the socket. A snapshot is a
	// single frame.
	SendQueue    int
	InboundRate  float64
	InboundBurst int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 120 * time.Second
	}
}

type Stats struct {
	Sessions    int64  `json:"sessions"`
	Accepted    uint64 `json:"accepted"`
	Anonymous   uint64 `json:"anonymous"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
	SlowClosed  uint64 `json:"slow_closed"`
	Malformed   uint64 `json:"malformed"`
	RateLimited uint64 `json:"rate_limited"`
}

type Server struct {
	world Store
	auth  Authorizer
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader

	sessions    atomic.Int64
	accepted    atomic.Uint64
	anonymous   atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
	slowClosed  atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
}

func NewServer(w Store, auth Authorizer, cfg Config, logger *log.Logger) *Server {
	cfg.defaults()
	if auth == nil {
		auth = AllowAnonymous{}
	}
	return &Server{
		world: w,
		auth:  auth,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:    s.sessions.Load(),
		Accepted:    s.accepted.Load(),
		Anonymous:   s.anonymous.Load(),
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
		SlowClosed:  s.slowClosed.Load(),
		Malformed:   s.malformed.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authorize(r)
		if err != nil {
			// Unauthorized clients still observe, with no identity.
			s.printf("ws auth failed remote=%s: %v", r.RemoteAddr, err)
			id = Identity{Anonymous: true}
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.accepted.Add(1)
		if id.Anonymous {
			s.anonymous.Add(1)
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		sess := newSession(s, conn, id)
		s.printf("connected remote=%s account=%q", r.RemoteAddr, id.Account)
		sess.run()
		s.printf("disconnected remote=%s account=%q", r.RemoteAddr, id.Account)
	}
}

func (s *Server) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

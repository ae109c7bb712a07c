package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"spodb.dev/internal/protocol"
	"spodb.dev/internal/sim/world"
)

// frame is a group of messages written back to back.
type frame [][]byte

// session relays world changes to one websocket. It is registered with the
// world as a change listener for its whole lifetime.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	id      Identity
	limiter *rate.Limiter

	out       chan frame
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, id Identity) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		id:      id,
		limiter: srv.newLimiter(),
		out:     make(chan frame, srv.cfg.SendQueue),
		done:    make(chan struct{}),
	}
}

func (s *session) run() {
	go s.writeLoop()

	// Register before the snapshot so no change is missed in between.
	if err := s.srv.world.Subscribe(s, s.sendSnapshot); err != nil {
		s.srv.printf("ws subscribe: %v", err)
		s.close()
		return
	}
	defer s.srv.world.RemoveListener(s)
	defer s.close()

	s.readLoop()
}

func (s *session) OnWorldStateChange(tick int64, id string, oldRev, newRev int64, p world.Values) {
	b, err := json.Marshal(protocol.NewStateMsg(tick, id, oldRev, newRev, p))
	if err != nil {
		s.srv.printf("ws encode state key=%s: %v", id, err)
		return
	}
	s.enqueue(frame{b})
}

// sendSnapshot queues the full state as one frame bracketed by snapshot
// begin/end markers, so the client can replace its view wholesale. The
// frame is sent even for an empty world.
func (s *session) sendSnapshot(tick int64, objs []world.SpaceObject) {
	f := make(frame, 1, len(objs)+2)
	for _, o := range objs {
		b, err := json.Marshal(protocol.NewStateMsg(tick, o.ID, 0, o.Revision, o.Values))
		if err != nil {
			s.srv.printf("ws encode snapshot key=%s: %v", o.ID, err)
			continue
		}
		f = append(f, b)
	}
	begin, _ := json.Marshal(protocol.SnapshotMsg{Type: protocol.TypeSnapshot, Timestamp: tick, Phase: protocol.SnapshotBegin, Count: len(f) - 1})
	end, _ := json.Marshal(protocol.SnapshotMsg{Type: protocol.TypeSnapshot, Timestamp: tick, Phase: protocol.SnapshotEnd, Count: len(f) - 1})
	f[0] = begin
	f = append(f, end)
	s.enqueue(f)
}

// enqueue never blocks: a closed session drops the frame, and a session
// whose queue is full is closed as a slow consumer.
func (s *session) enqueue(f frame) {
	if s.closed.Load() {
		s.srv.dropped.Add(uint64(len(f)))
		s.srv.printf("failed to send message, websocket closed or closing")
		return
	}
	select {
	case s.out <- f:
	default:
		s.srv.dropped.Add(uint64(len(f)))
		s.srv.slowClosed.Add(1)
		s.srv.printf("ws send queue full account=%q; closing", s.id.Account)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			for _, b := range f {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
					s.close()
					return
				}
				s.srv.sent.Add(1)
			}
		}
	}
}

func (s *session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow() {
			s.srv.rateLimited.Add(1)
			continue
		}
		base, err := protocol.DecodeInbound(msg)
		if err != nil {
			s.srv.malformed.Add(1)
			s.srv.printf("ws malformed message account=%q: %v", s.id.Account, err)
			continue
		}
		switch base.Type {
		case protocol.TypePing:
			b, _ := json.Marshal(protocol.PongMsg{Type: protocol.TypePong, Timestamp: s.srv.world.CurrentTick()})
			s.enqueue(frame{b})
		case protocol.TypeResync:
			s.resync()
		}
	}
}

// resync sends the full state again. Changes broadcast while the listener is
// detached are not relayed; the client must drop its view at the snapshot
// begin marker, which also removes objects tombstoned in between.
func (s *session) resync() {
	s.srv.world.RemoveListener(s)
	if err := s.srv.world.Subscribe(s, s.sendSnapshot); err != nil {
		s.srv.printf("ws resync: %v", err)
		s.close()
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventStreamBuffer = 64
	eventWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams audit records to the client as they are appended.
// Auth and rate limiting already ran in the middleware chain. Records come
// out of the journal redacted, and a client that cannot keep up misses
// events instead of stalling the journal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.Warn().Err(err).Str("client", clientKey(r)).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Journal.Watch(eventStreamBuffer)
	defer cancel()

	// Read pump: we never expect client messages, but reading is the only
	// way to notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug().Str("client", clientKey(r)).Msg("event stream attached")
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				s.log.Debug().Err(err).Msg("event stream client dropped")
				return
			}
		case <-done:
			return
		}
	}
}

package control

import (
	"net/http"
	"time"

	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/gorilla/websocket"
)

// Event is one message of the event stream. Exactly one of Radio and
// Network is set, matching Type.
type Event struct {
	Type    string       `json:"type"`
	Time    time.Time    `json:"time"`
	Radio   *RadioView   `json:"radio,omitempty"`
	Network *NetworkView `json:"network,omitempty"`
}

const (
	EventRadio   = "radio"
	EventNetwork = "network"
)

func (s *Server) radioEvent() Event {
	v := s.radioView()
	return Event{Type: EventRadio, Time: time.Now(), Radio: &v}
}

func (s *Server) networkEvent() Event {
	v := s.networkView()
	return Event{Type: EventNetwork, Time: time.Now(), Network: &v}
}

// serveEvents streams radio and shaping changes over a websocket. The
// current state is sent first. A client that can't keep up loses events,
// never the connection; the next event carries the full state anyway.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Event stream upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.trackStream(conn, true)
	defer s.trackStream(conn, false)
	defer conn.Close()

	events := make(chan Event, eventQueueLength)
	push := func(ev Event) {
		select {
		case events <- ev:
		default:
			logger.Debug("Dropping %s event for slow client %s", ev.Type, r.RemoteAddr)
		}
	}

	if s.model != nil {
		push(s.radioEvent())
		// a new standard moves the effective network values too
		defer s.model.Subscribe(func(radio.State) {
			push(s.radioEvent())
			push(s.networkEvent())
		})()
	}
	push(s.networkEvent())
	defer s.conditioner.Subscribe(func(shaping.Config) { push(s.networkEvent()) })()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug("Event stream opened for %s", r.RemoteAddr)
	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Event stream to %s ended: %v", r.RemoteAddr, err)
				return
			}
		case <-closed:
			logger.Debug("Event stream closed by %s", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) trackStream(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.streams == nil {
			s.streams = make(map[*websocket.Conn]struct{})
		}
		s.streams[conn] = struct{}{}
		return
	}
	delete(s.streams, conn)
}

// closeStreams ends every open event stream.
func (s *Server) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.streams {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

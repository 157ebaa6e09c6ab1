package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qrankd/qrankd/server/internal/api"
	"github.com/qrankd/qrankd/server/internal/rank"
)

// Event names carried in Message.Event.
const (
	EventStatus    = "status"    // on connect and on every interval tick
	EventPublished = "published" // right after a new mapping is published
)

const (
	writeWait  = 10 * time.Second
	readWait   = 60 * time.Second
	keepalive  = readWait * 9 / 10 // must stay below readWait
	queueDepth = 16
	maxInbound = 512 // subscribers only ever send control frames
)

// Message is one frame pushed to subscribers.
type Message struct {
	Event string             `json:"event"`
	Data  api.StatusResponse `json:"data"`
}

// StatusSource builds the status document. *api.Handler satisfies it.
type StatusSource interface {
	Status() api.StatusResponse
}

// Hub pushes the status document to WebSocket subscribers.
type Hub struct {
	src       StatusSource
	every     time.Duration
	published chan struct{}
	upgrader  websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	queue  chan []byte
	remote string
}

// New returns a Hub that reads status from src and pushes it every interval.
func New(src StatusSource, every time.Duration) *Hub {
	return &Hub{
		src:       src,
		every:     every,
		published: make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Run pushes until ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case <-t.C:
			h.push(EventStatus)
		case <-h.published:
			h.push(EventPublished)
		}
	}
}

// Published is a cache.OnPublish hook. It never blocks; publishes that land
// while a push is still pending collapse into that push.
func (h *Hub) Published(m *rank.Mapping) {
	if m == nil {
		return
	}
	select {
	case h.published <- struct{}{}:
	default:
	}
}

// ServeHTTP upgrades the request and streams frames until the subscriber
// goes away. The first frame is the current status.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{
		conn:   conn,
		queue:  make(chan []byte, queueDepth),
		remote: r.RemoteAddr,
	}
	if frame, err := h.encode(EventStatus); err != nil {
		slog.Error("ws: encode status", "err", err)
	} else {
		s.queue <- frame
	}

	h.add(s)
	defer h.remove(s)
	slog.Debug("ws: subscriber joined", "remote", s.remote)

	go s.writeLoop()
	s.readLoop()
}

// Subscribers reports how many connections are currently attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

// remove detaches s and closes its queue, which makes writeLoop send a
// close frame. Removing twice is harmless.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.queue)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.queue)
	}
}

// push encodes one frame and queues it for every subscriber. Nothing is
// built when nobody is listening. A subscriber whose queue is full is cut
// off rather than allowed to stall the others.
func (h *Hub) push(event string) {
	if h.Subscribers() == 0 {
		return
	}
	frame, err := h.encode(event)
	if err != nil {
		slog.Error("ws: encode status", "event", event, "err", err)
		return
	}

	var lagging []*subscriber
	h.mu.Lock()
	for s := range h.subs {
		select {
		case s.queue <- frame:
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.Unlock()

	for _, s := range lagging {
		slog.Warn("ws: disconnecting lagging subscriber", "remote", s.remote)
		h.remove(s)
	}
}

func (h *Hub) encode(event string) ([]byte, error) {
	return json.Marshal(Message{Event: event, Data: h.src.Status()})
}

// writeLoop is the only writer on the connection: queued frames and
// keepalive pings.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(keepalive)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("ws: write failed", "remote", s.remote, "err", err)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames so pongs and close frames get processed.
// It returns once the peer is gone or stops answering pings.
func (s *subscriber) readLoop() {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxInbound)
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			slog.Debug("ws: subscriber left", "remote", s.remote)
			return
		}
	}
}

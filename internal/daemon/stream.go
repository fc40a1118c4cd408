package daemon

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/api"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
	streamReadLimit  = 4096
)

var upgrader = websocket.Upgrader{
	// The control socket is 0600; every peer is the socket owner.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *streamClient) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// hub fans stream messages out to websocket clients. A client that cannot
// keep up is disconnected.
type hub struct {
	mu         sync.RWMutex
	clients    map[*streamClient]struct{}
	closed     bool
	sendBuffer int
	logger     *zap.Logger
}

func newHub(sendBuffer int, logger *zap.Logger) *hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &hub{
		clients:    map[*streamClient]struct{}{},
		sendBuffer: sendBuffer,
		logger:     logger.Named("stream"),
	}
}

// add registers conn and queues snapshot as its first message.
func (h *hub) add(conn *websocket.Conn, snapshot []byte) (*streamClient, bool) {
	c := &streamClient{conn: conn, send: make(chan []byte, h.sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close() //nolint:errcheck
		return nil, false
	}
	c.send <- snapshot
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump(h.logger)
	return c, true
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.mu.RLock()
		_, live := h.clients[c]
		var delivered bool
		if live {
			select {
			case c.send <- data:
				delivered = true
			default:
			}
		}
		h.mu.RUnlock()
		if live && !delivered {
			h.logger.Warn("stream client too slow, disconnecting")
			h.remove(c)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}

	s.publishMu.Lock()
	snapshot, err := s.encodeStream(api.StreamMessage{
		Type:     api.StreamSnapshot,
		Sessions: s.sessionItems(),
		Pending:  s.pendingItems(""),
	})
	var client *streamClient
	ok := false
	if err == nil {
		client, ok = s.hub.add(conn, snapshot)
	}
	s.publishMu.Unlock()
	if err != nil {
		s.logger.Error("encode stream snapshot", zap.Error(err))
		conn.Close() //nolint:errcheck
		return
	}
	if !ok {
		return
	}

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	// Clients only listen; reading drives control frames and detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(client)
			return
		}
	}
}

package signal

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxRoomSize  int           `yaml:"max_room_size"`
	// MessageRate is the sustained frames per second accepted from one client.
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
	SendBuffer   int     `yaml:"send_buffer"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxRoomSize:  16,
		MessageRate:  50,
		MessageBurst: 100,
		SendBuffer:   64,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocketServer relays signaling frames between members of a room. It
// never inspects signal payloads.
type WebSocketServer struct {
	config ServerConfig
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[string]map[domain.PeerID]*client
}

type client struct {
	id      domain.PeerID
	room    string
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewWebSocketServer(config ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		config: config,
		logger: logger,
		rooms:  make(map[string]map[domain.PeerID]*client),
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := utils.SanitizeID(r.URL.Query().Get("room"))
	peerID := domain.PeerID(utils.SanitizeID(r.URL.Query().Get("peer_id")))
	if room == "" || peerID == "" {
		http.Error(w, "room and peer_id are required", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateRoom(room); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.roomFull(room, peerID) {
		http.Error(w, "room is full", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      peerID,
		room:    room,
		conn:    conn,
		send:    make(chan Message, s.config.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.config.MessageRate), s.config.MessageBurst),
		done:    make(chan struct{}),
	}

	existing := s.join(c)
	s.logger.Infow("peer joined room", "room", room, "peer_id", peerID, "reconnect", existing != nil)

	go s.writeLoop(c)
	s.readLoop(c)

	if s.leave(c) {
		s.logger.Infow("peer left room", "room", room, "peer_id", peerID)
	}
	c.close()
}

func (s *WebSocketServer) roomFull(room string, peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[room]
	if _, rejoin := members[peerID]; rejoin {
		return false
	}
	return s.config.MaxRoomSize > 0 && len(members) >= s.config.MaxRoomSize
}

// join registers c, replacing and closing any stale connection with the same
// peer ID. Members already present are told about the newcomer and the
// newcomer gets the member list.
func (s *WebSocketServer) join(c *client) *client {
	s.mu.Lock()
	members, ok := s.rooms[c.room]
	if !ok {
		members = make(map[domain.PeerID]*client)
		s.rooms[c.room] = members
	}
	existing := members[c.id]
	members[c.id] = c

	peers := make([]domain.PeerID, 0, len(members))
	for id, other := range members {
		if id == c.id {
			continue
		}
		peers = append(peers, id)
		s.enqueue(other, Message{Type: TypePeerJoined, From: c.id})
	}
	s.mu.Unlock()

	if existing != nil {
		existing.close()
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	s.enqueue(c, Message{Type: TypeWelcome, To: c.id, Peers: peers})
	return existing
}

// leave removes c unless it has already been replaced by a reconnect.
func (s *WebSocketServer) leave(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[c.room]
	if members[c.id] != c {
		return false
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(s.rooms, c.room)
		return true
	}
	for _, other := range members {
		s.enqueue(other, Message{Type: TypePeerLeft, From: c.id})
	}
	return true
}

func (s *WebSocketServer) readLoop(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("signal read failed", "peer_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		if !c.limiter.Allow() {
			s.enqueue(c, Message{Type: TypeError, Error: "rate limit exceeded"})
			continue
		}
		s.handleMessage(c, msg)
	}
}

func (s *WebSocketServer) handleMessage(c *client, msg Message) {
	switch msg.Type {
	case TypePing:
		s.enqueue(c, Message{Type: TypePong})
	case TypeSignal:
		if msg.To == "" || len(msg.Payload) == 0 {
			s.enqueue(c, Message{Type: TypeError, Error: "signal requires to and payload"})
			return
		}
		if !s.relay(c, msg) {
			s.enqueue(c, Message{Type: TypeError, To: msg.To, Error: "peer not in room"})
		}
	default:
		s.enqueue(c, Message{Type: TypeError, Error: "unknown message type " + utils.TruncateString(msg.Type, 32)})
	}
}

func (s *WebSocketServer) relay(from *client, msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.rooms[from.room][msg.To]
	if !ok {
		return false
	}
	s.enqueue(target, Message{Type: TypeSignal, From: from.id, To: msg.To, Payload: msg.Payload})
	s.logger.Debugw("signal relayed", "room", from.room, "from", from.id, "to", msg.To, "bytes", len(msg.Payload))
	return true
}

// enqueue never blocks. A client whose buffer is full is disconnected; its
// peers learn about it through peer_left.
func (s *WebSocketServer) enqueue(c *client, msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		s.logger.Warnw("signal client too slow, disconnecting", "peer_id", c.id, "room", c.room)
		go c.close()
	}
}

func (s *WebSocketServer) writeLoop(c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("signal write failed", "peer_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// RoomMembers returns the peers currently in room, sorted.
func (s *WebSocketServer) RoomMembers(room string) []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rooms := len(s.rooms)
	connections := 0
	for _, members := range s.rooms {
		connections += len(members)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"rooms":       rooms,
		"connections": connections,
	})
}

// Close disconnects every client.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	var all []*client
	for _, members := range s.rooms {
		for _, c := range members {
			all = append(all, c)
		}
	}
	s.rooms = make(map[string]map[domain.PeerID]*client)
	s.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

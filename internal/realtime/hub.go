package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub tracks live connections and the rooms they joined on this instance.
// A user may hold several connections; each may join any number of rooms.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connection id -> connection
	rooms     map[string]map[string]*Connection // room -> connection id -> connection
	connRooms map[string]map[string]struct{}    // connection id -> rooms
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
		logger:    logger.Named("hub"),
	}
}

// Attach registers conn and starts its writer.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()

	conn.Start()
}

// Detach forgets conn and all of its room memberships.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.connRooms[conn.ID] {
		h.leaveLocked(room, conn.ID)
	}
	delete(h.connRooms, conn.ID)
	delete(h.conns, conn.ID)
}

// Join adds conn to room. Unattached connections are ignored.
func (h *Hub) Join(room string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		h.rooms[room] = members
	}
	members[conn.ID] = conn
	h.connRooms[conn.ID][room] = struct{}{}
	return true
}

func (h *Hub) Leave(room string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(room, conn.ID)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(room, connID string) {
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined := h.connRooms[connID]; joined != nil {
		delete(joined, room)
	}
}

// Publish writes frame to every connection in room on this instance.
func (h *Hub) Publish(room string, frame []byte) {
	h.Deliver(room, frame)
}

// Deliver is Publish returning how many connections accepted the frame.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	members := make([]*Connection, 0, len(h.rooms[room]))
	for _, conn := range h.rooms[room] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range members {
		if err := conn.Send(frame); err != nil {
			h.logger.Debug("drop frame", zap.String("room", room), zap.String("conn", conn.ID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// RoomSize reports how many connections joined room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every connection and clears all rooms.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

package inmemory

import (
	"log/slog"
	"sync"

	"github.com/sharetube/syncwatch/internal/repository/connection"
)

type member struct {
	roomId   string
	memberId string
}

type repo struct {
	connList map[*connection.Conn]member
	roomList map[string]map[string]*connection.Conn
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		connList: make(map[*connection.Conn]member),
		roomList: make(map[string]map[string]*connection.Conn),
		logger:   logger,
	}
}

// Add registers conn for memberId. A member has at most one live connection per room:
// a previous one is unregistered and returned so the caller can close it.
func (r *repo) Add(conn *connection.Conn, roomId, memberId string) (*connection.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("called", "room_id", roomId, "member_id", memberId)
	if _, ok := r.connList[conn]; ok {
		return nil, connection.ErrAlreadyExists
	}

	members := r.roomList[roomId]
	if members == nil {
		members = make(map[string]*connection.Conn)
		r.roomList[roomId] = members
	}

	replaced := members[memberId]
	if replaced != nil {
		delete(r.connList, replaced)
		r.logger.Debug("replaced stale conn", "room_id", roomId, "member_id", memberId)
	}

	members[memberId] = conn
	r.connList[conn] = member{roomId: roomId, memberId: memberId}
	return replaced, nil
}

// RemoveByConn unregisters conn and reports whom it belonged to.
func (r *repo) RemoveByConn(conn *connection.Conn) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.connList[conn]
	if !ok {
		r.logger.Debug("returned", "error", connection.ErrNotFound)
		return "", "", connection.ErrNotFound
	}

	delete(r.connList, conn)
	members := r.roomList[m.roomId]
	delete(members, m.memberId)
	if len(members) == 0 {
		delete(r.roomList, m.roomId)
	}

	r.logger.Debug("returned", "room_id", m.roomId, "member_id", m.memberId)
	return m.roomId, m.memberId, nil
}

func (r *repo) GetMember(conn *connection.Conn) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.connList[conn]
	if !ok {
		return "", "", connection.ErrNotFound
	}

	return m.roomId, m.memberId, nil
}

func (r *repo) GetConn(roomId, memberId string) (*connection.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.roomList[roomId][memberId]
	if !ok {
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

func (r *repo) GetRoomConns(roomId string) []*connection.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*connection.Conn, 0, len(r.roomList[roomId]))
	for _, conn := range r.roomList[roomId] {
		conns = append(conns, conn)
	}

	return conns
}

func (r *repo) RoomCount(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.roomList[roomId])
}

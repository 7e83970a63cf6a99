package chat

import (
	"sync"
	"time"
)

// ===== 配置 =====

type ManagerConf struct {
	SendQueue int              // 每连接发送队列长度（<=0 => 256）
	Clock     func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ConnManager ===== 连接与房间索引 =====
//
// 主索引 connID -> Client，辅以 userID 索引和房间索引。
// 房间成员与连接互相引用，Remove 时一并摘干净。
type ConnManager struct {
	mu        sync.RWMutex
	byConn    map[string]*Client
	byUser    map[string]map[string]*Client // userID -> connID -> client
	rooms     map[string]map[string]*Client // room -> connID -> client
	connRooms map[string]map[string]struct{}

	conf ManagerConf
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	return &ConnManager{
		byConn:    make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
		rooms:     make(map[string]map[string]*Client),
		connRooms: make(map[string]map[string]struct{}),
		conf:      conf,
	}
}

func (m *ConnManager) Conf() ManagerConf { return m.conf }

// Add 登记连接并加入其固定房间（user:*，有设备则 device:*）。
func (m *ConnManager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byConn[c.ConnID] = c
	mm := m.byUser[c.UserID]
	if mm == nil {
		mm = make(map[string]*Client)
		m.byUser[c.UserID] = mm
	}
	mm[c.ConnID] = c

	m.joinLocked(c, c.UserRoom())
	if r := c.DeviceRoom(); r != "" {
		m.joinLocked(c, r)
	}
}

// Remove 摘掉连接的所有索引与房间成员关系，返回被移除的连接。
func (m *ConnManager) Remove(connID string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	for room := range m.connRooms[connID] {
		m.leaveLocked(connID, room)
	}
	delete(m.connRooms, connID)
	return c
}

func (m *ConnManager) joinLocked(c *Client, room string) {
	rm := m.rooms[room]
	if rm == nil {
		rm = make(map[string]*Client)
		m.rooms[room] = rm
	}
	rm[c.ConnID] = c

	cr := m.connRooms[c.ConnID]
	if cr == nil {
		cr = make(map[string]struct{})
		m.connRooms[c.ConnID] = cr
	}
	cr[room] = struct{}{}
}

func (m *ConnManager) leaveLocked(connID, room string) {
	if rm := m.rooms[room]; rm != nil {
		delete(rm, connID)
		if len(rm) == 0 {
			delete(m.rooms, room)
		}
	}
	if cr := m.connRooms[connID]; cr != nil {
		delete(cr, room)
	}
}

// JoinRoom 把连接加入一个会话房间。
func (m *ConnManager) JoinRoom(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byConn[connID]
	if !ok {
		return false
	}
	m.joinLocked(c, room)
	return true
}

func (m *ConnManager) LeaveRoom(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, room)
}

// RoomMembers 房间内的本地连接快照。
func (m *ConnManager) RoomMembers(room string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm := m.rooms[room]
	if len(rm) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(rm))
	for _, c := range rm {
		out = append(out, c)
	}
	return out
}

// UserConnIDs 该用户在本实例的连接 ID（接听时放宽到全部端）。
func (m *ConnManager) UserConnIDs(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]string, 0, len(mm))
	for id := range mm {
		out = append(out, id)
	}
	return out
}

// AllClients 全部本地连接（presence.update 全量广播用）。
func (m *ConnManager) AllClients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		out = append(out, c)
	}
	return out
}

// InRoom 连接是否已在房间内。
func (m *ConnManager) InRoom(connID, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connRooms[connID][room]
	return ok
}

func (m *ConnManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byConn {
		_ = c.WS.Close()
	}
	m.byConn = make(map[string]*Client)
	m.byUser = make(map[string]map[string]*Client)
	m.rooms = make(map[string]map[string]*Client)
	m.connRooms = make(map[string]map[string]struct{})
}

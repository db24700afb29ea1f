package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convocore/logger"
	"convocore/tools/ids"
	"convocore/tools/safe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	sendQueue  = 256
)

// Client is one websocket connection. A user may hold several (phone and
// desktop at once); each gets its own send queue. Send is never closed:
// fanout workers may be mid-delivery when the connection drops, so
// teardown is signalled through done and the queue is left for the GC.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// writePump owns all writes on the connection: queued payloads plus pings.
// One writer per conn keeps gorilla happy.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case payload := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("ws write failed", zap.String("client", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Manager indexes live connections by user.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*Client
	byUser map[string]map[string]*Client
	gwID   string
}

func NewManager(gwID string) *Manager {
	return &Manager{
		byID:   make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
		gwID:   gwID,
	}
}

func (m *Manager) GatewayID() string { return m.gwID }

func (m *Manager) Add(userID string, conn *websocket.Conn) *Client {
	c := &Client{
		ID:     ids.GenerateWithPrefix("ws"),
		UserID: userID,
		Send:   make(chan []byte, sendQueue),
		conn:   conn,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.byID[c.ID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Client)
	}
	m.byUser[userID][c.ID] = c
	m.mu.Unlock()

	safe.Go("ws-write-"+c.ID, c.writePump)
	return c
}

// Remove drops the connection and reports whether the user still has
// others on this gateway.
func (m *Manager) Remove(c *Client) (remaining bool) {
	m.mu.Lock()
	delete(m.byID, c.ID)
	if peers := m.byUser[c.UserID]; peers != nil {
		delete(peers, c.ID)
		if len(peers) == 0 {
			delete(m.byUser, c.UserID)
		} else {
			remaining = true
		}
	}
	m.mu.Unlock()
	c.close()
	return remaining
}

// ClientsFor snapshots the resident connections of the given users.
func (m *Manager) ClientsFor(userIDs []string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Client
	for _, uid := range userIDs {
		for _, c := range m.byUser[uid] {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Client, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*Client)
	m.byUser = make(map[string]map[string]*Client)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

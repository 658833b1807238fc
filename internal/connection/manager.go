package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

// Manager 维护身份到活跃连接的注册表。
// 同一身份同时最多存在一个活跃连接，重复登录时顶替旧连接。
// 所有操作由注册表级互斥锁串行化，查找结果仅在调用方当前使用期间有效
type Manager struct {
	mu          sync.Mutex
	connections map[string]*Connection
}

// NewManager 创建连接注册表。服务器启动时创建一个实例并注入各组件
func NewManager() *Manager {
	return &Manager{connections: make(map[string]*Connection)}
}

// Register 记录身份到连接的映射。该身份已有连接时执行顶替策略：
// 旧连接收到DISCONNECT{reason=replaced}后被关闭。
// 返回被顶替的旧连接（如有），调用方负责其会话的清理
func (m *Manager) Register(username string, conn *Connection) *Connection {
	m.mu.Lock()
	old := m.connections[username]
	m.connections[username] = conn
	m.mu.Unlock()

	if old != nil && old != conn {
		logger.WarnF("[%s] User %s logged in again, evicting previous connection [%s]", conn.ConnID, username, old.ConnID)
		_ = old.SendControl(protocol.DISCONNECT, protocol.DisconnectPayload{Reason: protocol.ReasonReplaced})
		old.Shutdown()
		return old
	}

	logger.InfoF("User %s connected from [%s]", username, conn.ConnID)
	return nil
}

// Lookup 按身份查找连接
func (m *Manager) Lookup(username string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[username]
	return conn, ok
}

// Unregister 移除映射，幂等。仅当当前登记的正是该连接时才移除，
// 避免被顶替的旧连接在断开时误删新连接的登记
func (m *Manager) Unregister(username string, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.connections[username]; ok && current == conn {
		delete(m.connections, username)
		logger.InfoF("User %s disconnected", username)
	}
}

// Count 返回当前在线连接数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, protocol.ErrConnectionLost):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}

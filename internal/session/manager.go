package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/connection"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/database"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

// 授权类错误。均以ERROR应答包返回给发送方，连接保持打开
var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrPeerBusy         = errors.New("peer busy")
	ErrNoSession        = errors.New("no active session")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotAuthorized    = errors.New("operation not allowed for this role")
)

// Manager 会话管理器。配对控制端与目标端，持有权限状态机，
// 是唯一有权授权帧/输入转发的组件
type Manager struct {
	mu       sync.Mutex
	byUser   map[string]*Session // 身份 → 所属会话（控制端与目标端各占一个键）
	registry *connection.Manager
	store    database.SessionLogStore
}

// NewManager 创建会话管理器
func NewManager(registry *connection.Manager, store database.SessionLogStore) *Manager {
	return &Manager{
		byUser:   make(map[string]*Session),
		registry: registry,
		store:    store,
	}
}

// SessionFor 返回某连接当前所属的会话。
// 按连接指针核对身份，被顶替的旧连接查不到同名新连接的会话
func (m *Manager) SessionFor(conn *connection.Connection) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byUser[conn.Username]
	if !ok || (s.controller != conn && s.target != conn) {
		return nil, false
	}
	return s, true
}

// Connect 处理控制端的CONNECT_REQ。目标在线且空闲时创建PENDING会话，
// 并向目标端转发连接指示。目标的忙检查与会话创建在同一临界区内完成，
// 并发请求同一目标时恰好一个通过
func (m *Manager) Connect(controller *connection.Connection, targetName string) (*Session, error) {
	if controller.Role != protocol.RoleController {
		return nil, fmt.Errorf("%w: only controllers may initiate connections", ErrNotAuthorized)
	}
	if targetName == controller.Username {
		return nil, fmt.Errorf("%w: cannot connect to yourself", ErrPeerBusy)
	}

	target, ok := m.registry.Lookup(targetName)
	if !ok || !target.Alive() {
		return nil, ErrPeerNotFound
	}
	if target.Role != protocol.RoleTarget {
		return nil, fmt.Errorf("%w: %s is not a target", ErrPeerNotFound, targetName)
	}

	// 临界区内只做忙检查和身份绑定，不做任何I/O：
	// 存储和网络的阻塞不允许波及其它会话的转发路径
	m.mu.Lock()
	if existing, busy := m.byUser[targetName]; busy && existing.State() != StateClosed {
		m.mu.Unlock()
		return nil, ErrPeerBusy
	}
	if existing, busy := m.byUser[controller.Username]; busy && existing.State() != StateClosed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: already in a session", ErrPeerBusy)
	}
	s := newSession(m.store.NewSessionID(), controller, target)
	m.byUser[controller.Username] = s
	m.byUser[targetName] = s
	m.mu.Unlock()

	// 持久化尽力而为，失败不阻止配对
	if err := m.store.OpenSession(s.ID, controller.Username, targetName); err != nil {
		logger.WarnF("Fail to persist session record, details: %v", err)
	}

	if err := target.SendControl(protocol.CONNECTIND, protocol.ConnectIndPayload{
		SessionID:  s.ID,
		Controller: controller.Username,
	}); err != nil {
		// 指示未送达，就地回滚。控制端由调度循环应答CONNECT_RESP{ok=false}，
		// 这里不再发送任何通知
		if _, ok := s.close(); ok {
			m.unbind(s)
			m.closeRecord(s.ID)
		}
		return nil, ErrPeerNotFound
	}

	logger.InfoF("Session %s pending: controller=%s, target=%s", s.ID, controller.Username, targetName)
	return s, nil
}

// Answer 处理目标端的CONNECT_ANSWER。接受→ACTIVE并应答控制端；
// 拒绝→CLOSED，控制端收到ok=false
func (m *Manager) Answer(target *connection.Connection, answer protocol.ConnectAnswerPayload) error {
	s, ok := m.SessionFor(target)
	if !ok || s.ID != answer.SessionID {
		return ErrNoSession
	}
	if s.target != target {
		return fmt.Errorf("%w: only the target may answer a connect indication", ErrNotAuthorized)
	}

	if answer.Accept {
		if !s.activate() {
			return ErrNoSession
		}
		logger.InfoF("Session %s active: controller=%s, target=%s", s.ID, s.controller.Username, s.target.Username)
		m.logEvent("INFO", "SESSION_ACCEPT", s.target.Username, s.ID)
		return s.controller.SendControl(protocol.CONNECTRESP, protocol.ConnectRespPayload{
			OK:        true,
			SessionID: s.ID,
		})
	}

	// 拒绝：会话直接进入终态
	if _, ok := s.close(); ok {
		m.unbind(s)
		m.closeRecord(s.ID)
		logger.InfoF("Session %s rejected by target %s", s.ID, target.Username)
		m.logEvent("INFO", "SESSION_REJECT", target.Username, s.ID)
		return s.controller.SendControl(protocol.CONNECTRESP, protocol.ConnectRespPayload{
			OK:     false,
			Reason: "connection rejected by target",
		})
	}
	return nil
}

// RequestPermission 处理PERM_REQ。任一端均可请求，转发给对端
func (m *Manager) RequestPermission(from *connection.Connection, req protocol.PermReqPayload) error {
	s, ok := m.SessionFor(from)
	if !ok {
		return ErrNoSession
	}
	if err := s.requireActive(); err != nil {
		return err
	}

	if req.Want {
		s.setPermission(req.Capability, PermRequested)
	} else {
		// 撤回请求或主动放弃已授予的能力
		s.setPermission(req.Capability, PermUnrequested)
	}

	peer := s.peerOf(from)
	if peer == nil {
		return ErrNoSession
	}
	logger.DebugF("Session %s: %s requests capability %s (want=%v)", s.ID, from.Username, req.Capability, req.Want)
	return peer.SendControl(protocol.PERMREQ, req)
}

// RespondPermission 处理PERM_RESP。仅目标端有权应答，
// 状态更新后将应答转发给控制端
func (m *Manager) RespondPermission(from *connection.Connection, resp protocol.PermRespPayload) error {
	s, ok := m.SessionFor(from)
	if !ok {
		return ErrNoSession
	}
	if err := s.requireActive(); err != nil {
		return err
	}
	if s.target != from {
		return fmt.Errorf("%w: only the target may grant permissions", ErrNotAuthorized)
	}

	state := PermDenied
	if resp.Granted {
		state = PermGranted
	}
	old := s.setPermission(resp.Capability, state)
	logger.InfoF("Session %s: capability %s %s → %s", s.ID, resp.Capability, old, state)
	m.logEvent("INFO", fmt.Sprintf("PERM_%s_%s", resp.Capability, state), from.Username, s.ID)

	return s.controller.SendControl(protocol.PERMRESP, resp)
}

// RelayChat 转发聊天消息。会话ACTIVE即可，与权限无关。
// 发送者字段由服务器覆写，防止伪造
func (m *Manager) RelayChat(from *connection.Connection, chat protocol.ChatPayload) error {
	s, ok := m.SessionFor(from)
	if !ok {
		return ErrNoSession
	}
	if err := s.requireActive(); err != nil {
		return err
	}

	peer := s.peerOf(from)
	if peer == nil {
		return ErrNoSession
	}

	chat.Sender = from.Username
	if err := m.store.AddChatMessage(s.ID, chat.Sender, chat.Timestamp, chat.Text); err != nil {
		logger.WarnF("Fail to persist chat message, details: %v", err)
	}
	return peer.SendControl(protocol.CHAT, chat)
}

// RelayFrame 转发屏幕帧。仅目标端可发送，且view能力必须已授权。
// 帧入队为可丢弃消息，慢速控制端的背压通过丢帧消化
func (m *Manager) RelayFrame(from *connection.Connection, frame *protocol.FramePayload) error {
	s, ok := m.SessionFor(from)
	if !ok {
		return ErrNoSession
	}
	if s.target != from {
		return fmt.Errorf("%w: only the target may send frames", ErrNotAuthorized)
	}
	if err := s.authorize(protocol.CapabilityView); err != nil {
		return err
	}
	return s.controller.SendFrame(frame)
}

// RelayInput 转发输入事件。仅控制端可发送，
// 鼠标类事件需要mouse能力，按键事件需要keyboard能力
func (m *Manager) RelayInput(from *connection.Connection, input protocol.InputPayload) error {
	s, ok := m.SessionFor(from)
	if !ok {
		return ErrNoSession
	}
	if s.controller != from {
		return fmt.Errorf("%w: only the controller may send input", ErrNotAuthorized)
	}

	capability := protocol.CapabilityMouse
	if input.Kind == protocol.InputKeyEvent {
		capability = protocol.CapabilityKeyboard
	}
	if err := s.authorize(capability); err != nil {
		return err
	}

	return s.target.SendControl(protocol.INPUT, input)
}

// Teardown 关闭conn所属的会话。任一端断开或显式DISCONNECT都经由这里，
// 恰好执行一次：幸存的对端收到一条DISCONNECT{reason=peer_left}，
// 双方同时断开也不会重复触发
func (m *Manager) Teardown(conn *connection.Connection, reason string) {
	s, ok := m.SessionFor(conn)
	if !ok {
		return
	}
	prev, ok := s.close()
	if !ok {
		return
	}

	m.unbind(s)
	m.closeRecord(s.ID)
	logger.InfoF("Session %s closed (%s left: %s)", s.ID, conn.Username, reason)
	m.logEvent("INFO", "SESSION_CLOSE", reason, s.ID)

	peer := s.peerOf(conn)
	if peer == nil || !peer.Alive() {
		return
	}

	if prev == StateActive {
		if err := peer.SendControl(protocol.DISCONNECT, protocol.DisconnectPayload{Reason: protocol.ReasonPeerLeft}); err != nil {
			logger.WarnF("[%s] Fail to send DISCONNECT notification, details: %v", peer.ConnID, err)
		}
		return
	}

	// 配对尚未完成：控制端还在等待CONNECT_RESP，下发DISCONNECT会被
	// 当作整条连接的终止，改为应答配对失败
	if peer == s.controller {
		if err := peer.SendControl(protocol.CONNECTRESP, protocol.ConnectRespPayload{
			OK:     false,
			Reason: "target unavailable",
		}); err != nil {
			logger.WarnF("[%s] Fail to send CONNECT_RESP packet, details: %v", peer.ConnID, err)
		}
	}
}

// unbind 解除两端身份与会话的绑定。仅当登记的正是该会话时才删除，
// 避免误删同名身份的新会话
func (m *Manager) unbind(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range []string{s.controller.Username, s.target.Username} {
		if m.byUser[name] == s {
			delete(m.byUser, name)
		}
	}
}

func (m *Manager) closeRecord(sessionID string) {
	if err := m.store.CloseSession(sessionID); err != nil {
		logger.WarnF("Fail to persist session close, details: %v", err)
	}
}

func (m *Manager) logEvent(level, event, details, sessionID string) {
	if err := m.store.AddEvent(level, event, details, sessionID); err != nil {
		logger.WarnF("Fail to persist event log, details: %v", err)
	}
}

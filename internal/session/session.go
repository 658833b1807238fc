// Package session 实现了控制端与目标端的配对和权限状态机。
// 帧与输入数据包的转发授权全部集中在这里，调度循环不做任何业务判断
package session

import (
	"sync"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/connection"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

// State 会话生命周期状态
type State byte

const (
	StatePending State = iota // 已发出连接指示，等待目标端接受或拒绝
	StateActive               // 目标端已接受，可以转发数据
	StateClosed               // 终态，不再接受任何转发
)

var stateNames = map[State]string{
	StatePending: "PENDING",
	StateActive:  "ACTIVE",
	StateClosed:  "CLOSED",
}

func (s State) String() string {
	return stateNames[s]
}

// PermState 单个能力的授权状态
type PermState byte

const (
	PermUnrequested PermState = iota
	PermRequested
	PermGranted
	PermDenied
)

var permStateNames = map[PermState]string{
	PermUnrequested: "unrequested",
	PermRequested:   "requested",
	PermGranted:     "granted",
	PermDenied:      "denied",
}

func (p PermState) String() string {
	return permStateNames[p]
}

// Session 表示一次活跃的控制端-目标端配对。
// 被两个连接共同引用，所有状态变更由会话级互斥锁串行化。
// 会话销毁后不会复用
type Session struct {
	ID string

	mu         sync.Mutex
	controller *connection.Connection
	target     *connection.Connection
	perms      map[protocol.Capability]PermState
	state      State
}

func newSession(id string, controller, target *connection.Connection) *Session {
	perms := make(map[protocol.Capability]PermState, len(protocol.Capabilities))
	for _, capability := range protocol.Capabilities {
		perms[capability] = PermUnrequested
	}
	return &Session{
		ID:         id,
		controller: controller,
		target:     target,
		perms:      perms,
		state:      StatePending,
	}
}

// State 返回当前生命周期状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PermissionState 返回某能力的授权状态
func (s *Session) PermissionState(capability protocol.Capability) PermState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms[capability]
}

// Controller 返回控制端连接
func (s *Session) Controller() *connection.Connection {
	return s.controller
}

// Target 返回目标端连接
func (s *Session) Target() *connection.Connection {
	return s.target
}

// peerOf 返回conn在会话中的对端，conn不属于会话时返回nil
func (s *Session) peerOf(conn *connection.Connection) *connection.Connection {
	switch conn {
	case s.controller:
		return s.target
	case s.target:
		return s.controller
	default:
		return nil
	}
}

// activate PENDING→ACTIVE，仅目标端接受时调用
func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	s.state = StateActive
	return true
}

// close 转移到终态并返回转移前的状态。恰好执行一次：
// 并发的双端断开只有一方得到ok=true
func (s *Session) close() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return StateClosed, false
	}
	prev := s.state
	s.state = StateClosed
	return prev, true
}

// setPermission 更新能力状态并返回旧状态
func (s *Session) setPermission(capability protocol.Capability, state PermState) PermState {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.perms[capability]
	s.perms[capability] = state
	return old
}

// authorize 检查会话是否ACTIVE且指定能力已授权
func (s *Session) authorize(capability protocol.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNoSession
	}
	if s.perms[capability] != PermGranted {
		return ErrPermissionDenied
	}
	return nil
}

// requireActive 检查会话是否ACTIVE
func (s *Session) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNoSession
	}
	return nil
}

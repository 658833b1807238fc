package database

import (
	"errors"
	"time"
)

const (
	UserCollectionName    = "users"
	SessionCollectionName = "sessions"
	ChatCollectionName    = "chat_msgs"
	EventCollectionName   = "event_logs"
	CounterCollectionName = "counters"
)

// 会话记录状态
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// 凭据存储与会话持久化的错误分类。核心只把存储当作黑盒：
// ErrStoreUnavailable 表现为一次认证失败，绝不使服务器崩溃
var (
	ErrStoreUnavailable   = errors.New("credential store unavailable")
	ErrUserExists         = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameEmpty      = errors.New("username is empty")
)

// User 注册用户记录
type User struct {
	UID      int64  `bson:"uid"`
	Username string `bson:"username"`
	Password string `bson:"password"` // bcrypt哈希
}

// SessionRecord 一次控制端-目标端配对的持久化记录
type SessionRecord struct {
	SessionID  string    `bson:"session_id"`
	Controller string    `bson:"controller"`
	Target     string    `bson:"target"`
	StartedAt  time.Time `bson:"started_at"`
	EndedAt    time.Time `bson:"ended_at,omitempty"`
	Status     string    `bson:"status"`
}

// ChatRecord 会话内的一条聊天消息
type ChatRecord struct {
	SessionID string `bson:"session_id"`
	Sender    string `bson:"sender"`
	Timestamp string `bson:"timestamp"`
	Text      string `bson:"text"`
}

// EventRecord 通用事件日志（认证、权限变更、会话关闭等）
type EventRecord struct {
	Timestamp time.Time `bson:"timestamp"`
	Level     string    `bson:"level"`
	Event     string    `bson:"event"`
	Details   string    `bson:"details"`
	SessionID string    `bson:"session_id,omitempty"`
}

// CredentialStore 凭据校验接口，仅在AUTH_REQ/REGISTER_REQ处理期间使用
type CredentialStore interface {
	VerifyUser(username, secret string) (int64, error)
	CreateUser(username, secret string) (int64, error)
	UserExists(username string) (bool, error)
}

// SessionLogStore 会话与事件持久化接口，全部尽力而为：
// 存储失败不得影响活跃会话。
// NewSessionID不做I/O，会话管理器在锁内调用它；
// 其余方法可能阻塞，只允许在锁外调用
type SessionLogStore interface {
	NewSessionID() string
	OpenSession(sessionID, controller, target string) error
	CloseSession(sessionID string) error
	AddChatMessage(sessionID, sender, timestamp, text string) error
	AddEvent(level, event, details, sessionID string) error
}

// Store 中继服务器消费的完整存储接口
type Store interface {
	CredentialStore
	SessionLogStore
}

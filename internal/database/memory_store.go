package database

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
)

// MemoryStore 内存存储实现。数据库不可用时的降级方案，也用于测试。
// 进程退出后数据全部丢失
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]*User
	sessions      map[string]*SessionRecord
	chats         []ChatRecord
	events        []EventRecord
	nextUID       int64
	nextSessionID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		sessions: make(map[string]*SessionRecord),
	}
}

func (ms *MemoryStore) VerifyUser(username, secret string) (int64, error) {
	if username == "" {
		return 0, ErrUsernameEmpty
	}

	ms.mu.Lock()
	user, ok := ms.users[username]
	ms.mu.Unlock()

	if !ok {
		return 0, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(secret)) != nil {
		return 0, ErrInvalidCredentials
	}
	return user.UID, nil
}

func (ms *MemoryStore) CreateUser(username, secret string) (int64, error) {
	if username == "" {
		return 0, ErrUsernameEmpty
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.users[username]; ok {
		return 0, ErrUserExists
	}
	ms.nextUID++
	ms.users[username] = &User{
		UID:      ms.nextUID,
		Username: username,
		Password: string(hash),
	}
	logger.InfoF("User registered: username=%s, uid=%d", username, ms.nextUID)
	return ms.nextUID, nil
}

func (ms *MemoryStore) UserExists(username string) (bool, error) {
	if username == "" {
		return false, ErrUsernameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.users[username]
	return ok, nil
}

// NewSessionID 分配自增会话号
func (ms *MemoryStore) NewSessionID() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.nextSessionID++
	return strconv.FormatInt(ms.nextSessionID, 10)
}

func (ms *MemoryStore) OpenSession(sessionID, controller, target string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.sessions[sessionID] = &SessionRecord{
		SessionID:  sessionID,
		Controller: controller,
		Target:     target,
		StartedAt:  time.Now().UTC(),
		Status:     SessionStatusActive,
	}
	return nil
}

func (ms *MemoryStore) CloseSession(sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if record, ok := ms.sessions[sessionID]; ok {
		record.EndedAt = time.Now().UTC()
		record.Status = SessionStatusClosed
	}
	return nil
}

func (ms *MemoryStore) AddChatMessage(sessionID, sender, timestamp, text string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.chats = append(ms.chats, ChatRecord{
		SessionID: sessionID,
		Sender:    sender,
		Timestamp: timestamp,
		Text:      text,
	})
	return nil
}

func (ms *MemoryStore) AddEvent(level, event, details, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.events = append(ms.events, EventRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Event:     event,
		Details:   details,
		SessionID: sessionID,
	})
	return nil
}

// ChatHistory 返回某会话的聊天记录副本
func (ms *MemoryStore) ChatHistory(sessionID string) []ChatRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var history []ChatRecord
	for _, record := range ms.chats {
		if record.SessionID == sessionID {
			history = append(history, record)
		}
	}
	return history
}

// SessionRecordOf 返回某会话的持久化记录副本
func (ms *MemoryStore) SessionRecordOf(sessionID string) (SessionRecord, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	record, ok := ms.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false
	}
	return *record, true
}

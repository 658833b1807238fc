package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
)

// DBStore 基于MongoDB的存储实现
type DBStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var DbStore *DBStore

func NewDatabaseStore() *DBStore {
	if DbStore == nil {
		DbStore = &DBStore{client: Client, db: Database}
	}
	return DbStore
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), OperationTimeout)
}

// nextUID 通过counters集合的原子自增分配数字用户ID
func (ds *DBStore) nextUID() (int64, error) {
	ctx, cancel := opContext()
	defer cancel()

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := ds.db.Collection(CounterCollectionName).FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: "uid"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return counter.Seq, nil
}

func (ds *DBStore) VerifyUser(username, secret string) (int64, error) {
	if username == "" {
		return 0, ErrUsernameEmpty
	}

	ctx, cancel := opContext()
	defer cancel()

	var user User
	startTime := time.Now()
	err := ds.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	logger.DebugF("user query cost: %v", time.Since(startTime))

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrInvalidCredentials
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(secret)) != nil {
		return 0, ErrInvalidCredentials
	}
	return user.UID, nil
}

func (ds *DBStore) CreateUser(username, secret string) (int64, error) {
	if username == "" {
		return 0, ErrUsernameEmpty
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	uid, err := ds.nextUID()
	if err != nil {
		return 0, err
	}

	ctx, cancel := opContext()
	defer cancel()

	_, err = ds.db.Collection(UserCollectionName).InsertOne(ctx, User{
		UID:      uid,
		Username: username,
		Password: string(hash),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrUserExists
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.InfoF("User registered: username=%s, uid=%d", username, uid)
	return uid, nil
}

func (ds *DBStore) UserExists(username string) (bool, error) {
	if username == "" {
		return false, ErrUsernameEmpty
	}

	ctx, cancel := opContext()
	defer cancel()

	count, err := ds.db.Collection(UserCollectionName).CountDocuments(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count > 0, nil
}

// NewSessionID 生成会话号，纯内存操作不访问数据库
func (ds *DBStore) NewSessionID() string {
	return primitive.NewObjectID().Hex()
}

func (ds *DBStore) OpenSession(sessionID, controller, target string) error {
	ctx, cancel := opContext()
	defer cancel()

	record := SessionRecord{
		SessionID:  sessionID,
		Controller: controller,
		Target:     target,
		StartedAt:  time.Now().UTC(),
		Status:     SessionStatusActive,
	}

	if _, err := ds.db.Collection(SessionCollectionName).InsertOne(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.InfoF("Session opened: session_id=%s, controller=%s, target=%s", sessionID, controller, target)
	return nil
}

func (ds *DBStore) CloseSession(sessionID string) error {
	ctx, cancel := opContext()
	defer cancel()

	result, err := ds.db.Collection(SessionCollectionName).UpdateOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "ended_at", Value: time.Now().UTC()},
			{Key: "status", Value: SessionStatusClosed},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.InfoF("Session closed: session_id=%s, matched=%d", sessionID, result.MatchedCount)
	return nil
}

func (ds *DBStore) AddChatMessage(sessionID, sender, timestamp, text string) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := ds.db.Collection(ChatCollectionName).InsertOne(ctx, ChatRecord{
		SessionID: sessionID,
		Sender:    sender,
		Timestamp: timestamp,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (ds *DBStore) AddEvent(level, event, details, sessionID string) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := ds.db.Collection(EventCollectionName).InsertOne(ctx, EventRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Event:     event,
		Details:   details,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

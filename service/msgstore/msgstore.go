package msgstore

import (
	"context"
	"time"

	mongo2 "RTProject/service/storage/mongo"
	"RTProject/tools/errs"
	"RTProject/tools/ids"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store 消息持久化（系统消息 + 已读回执）。
type Store interface {
	CreateSystemMessage(ctx context.Context, convID, senderID, text string, meta map[string]any) (string, error)
	CreateReadReceipt(ctx context.Context, messageID, userID string) error
}

// MongoStore Store 的 Mongo 实现，写 messages / message_receipts。
type MongoStore struct {
	clock func() time.Time
}

func NewMongoStore() *MongoStore {
	return &MongoStore{clock: time.Now}
}

func (s *MongoStore) CreateSystemMessage(ctx context.Context, convID, senderID, text string, meta map[string]any) (string, error) {
	id := ids.GenerateString()
	doc := bson.M{
		"_id":             id,
		"conversation_id": convID,
		"sender_id":       senderID,
		"type":            "system",
		"text":            text,
		"meta":            meta,
		"created_at":      s.clock(),
	}
	if _, err := mongo2.GetDB().Collection("messages").InsertOne(ctx, doc); err != nil {
		return "", errors.Wrap(err, "insert system message")
	}
	return id, nil
}

// CreateReadReceipt (message_id, user_id) 唯一索引；
// 重复标记映射为 ErrRecordIsExist，调用方可据此静默跳过。
func (s *MongoStore) CreateReadReceipt(ctx context.Context, messageID, userID string) error {
	doc := bson.M{
		"message_id": messageID,
		"user_id":    userID,
		"read_at":    s.clock(),
	}
	if _, err := mongo2.GetDB().Collection("message_receipts").InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrRecordIsExist.WithDetail("receipt " + messageID + "/" + userID)
		}
		return errors.Wrap(err, "insert read receipt")
	}
	return nil
}

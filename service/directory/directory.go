package directory

import (
	"context"

	mongo2 "RTProject/service/storage/mongo"
	"RTProject/tools/errs"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Conversation 会话基本信息：类型 + 成员列表。
type Conversation struct {
	ID             string   `bson:"_id"`
	IsGroup        bool     `bson:"is_group"`
	ParticipantIDs []string `bson:"participant_ids"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Directory 会话成员与用户资料查询。
type Directory interface {
	Conversation(ctx context.Context, convID string) (*Conversation, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// MongoDirectory Directory 的 Mongo 实现，读 conversations / users 两个集合。
type MongoDirectory struct{}

func NewMongoDirectory() *MongoDirectory { return &MongoDirectory{} }

func (d *MongoDirectory) Conversation(ctx context.Context, convID string) (*Conversation, error) {
	var conv Conversation
	err := mongo2.GetDB().Collection("conversations").
		FindOne(ctx, bson.M{"_id": convID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WithDetail("conversation " + convID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	return &conv, nil
}

func (d *MongoDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	var doc struct {
		DisplayName string `bson:"display_name"`
		Username    string `bson:"username"`
	}
	err := mongo2.GetDB().Collection("users").
		FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", errs.ErrNotFound.WithDetail("user " + userID)
	}
	if err != nil {
		return "", errors.Wrap(err, "load user")
	}
	if doc.DisplayName != "" {
		return doc.DisplayName, nil
	}
	return doc.Username, nil
}

package repository

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const opTimeout = 3 * time.Second

type MongoStore struct {
	msgCol  *mongo.Collection
	convCol *mongo.Collection
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		msgCol:  db.Collection("messages"),
		convCol: db.Collection("conversations"),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.msgCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.convCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants.user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$exists": true}}),
		},
	})
	return err
}

func (s *MongoStore) InsertConversation(ctx context.Context, c *models.Conversation) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.convCol.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var c models.Conversation
	if err := s.convCol.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindDirectConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	return s.findConversation(ctx, bson.M{"direct_key": models.DirectKey(userA, userB)})
}

func (s *MongoStore) FindConversationsByParticipant(ctx context.Context, userID string, includeArchived bool) ([]*models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"participants.user_id": userID}
	if !includeArchived {
		filter["settings.is_archived"] = false
	}
	cur, err := s.convCol.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*models.Conversation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) updateConversation(ctx context.Context, filter bson.M, update any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.convCol.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RecordMessage(ctx context.Context, convID string, lm models.LastMessage) error {
	return s.updateConversation(ctx, bson.M{"_id": convID}, bson.M{
		"$set": bson.M{"last_message": lm, "updated_at": lm.Timestamp},
		"$inc": bson.M{"metadata.message_count": 1, "metadata.unread_count": 1},
	})
}

func (s *MongoStore) SetMessageStats(ctx context.Context, convID string, messageCount int64, lm *models.LastMessage) error {
	set := bson.M{"metadata.message_count": messageCount, "updated_at": time.Now().UTC()}
	if lm != nil {
		set["last_message"] = lm
	}
	return s.updateConversation(ctx, bson.M{"_id": convID}, bson.M{"$set": set})
}

func (s *MongoStore) AddParticipant(ctx context.Context, convID string, p models.Participant) error {
	// the participant filter keeps the add idempotent
	err := s.updateConversation(ctx,
		bson.M{"_id": convID, "participants.user_id": bson.M{"$ne": p.UserID}},
		bson.M{"$push": bson.M{"participants": p}, "$set": bson.M{"updated_at": time.Now().UTC()}},
	)
	if errors.Is(err, ErrNotFound) {
		if _, ferr := s.FindConversation(ctx, convID); ferr != nil {
			return ferr
		}
		return nil
	}
	return err
}

func (s *MongoStore) RemoveParticipant(ctx context.Context, convID, userID string) error {
	return s.updateConversation(ctx, bson.M{"_id": convID}, bson.M{
		"$pull": bson.M{"participants": bson.M{"user_id": userID}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) UpdateParticipantRole(ctx context.Context, convID, userID string, role models.Role) error {
	return s.updateConversation(ctx,
		bson.M{"_id": convID, "participants.user_id": userID},
		bson.M{"$set": bson.M{"participants.$.role": role, "updated_at": time.Now().UTC()}},
	)
}

func (s *MongoStore) UpdateSettings(ctx context.Context, convID string, st models.Settings) error {
	return s.updateConversation(ctx, bson.M{"_id": convID}, bson.M{
		"$set": bson.M{"settings": st, "updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) MarkRead(ctx context.Context, convID, userID, messageID string, at time.Time, decrementUnread bool) error {
	err := s.updateConversation(ctx,
		bson.M{"_id": convID, "participants.user_id": userID},
		bson.M{"$set": bson.M{
			"participants.$.last_read_message_id": messageID,
			"participants.$.last_read_at":         at,
		}},
	)
	if err != nil || !decrementUnread {
		return err
	}
	err = s.updateConversation(ctx,
		bson.M{"_id": convID, "metadata.unread_count": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"metadata.unread_count": -1}},
	)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	m.Normalize()
	_, err := s.msgCol.InsertOne(ctx, m)
	return err
}

func (s *MongoStore) FindMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m models.Message
	if err := s.msgCol.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Normalize()
	return &m, nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M, limit int64) ([]*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.msgCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*models.Message{}
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		m.Normalize()
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, convID string, limit int64, before time.Time) ([]*models.Message, error) {
	filter := bson.M{"conversation_id": convID, "is_deleted": false}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	return s.findMessages(ctx, filter, limit)
}

func (s *MongoStore) SearchMessages(ctx context.Context, convID, query string, limit int64) ([]*models.Message, error) {
	filter := bson.M{
		"conversation_id": convID,
		"is_deleted":      false,
		"content":         bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
	}
	return s.findMessages(ctx, filter, limit)
}

func (s *MongoStore) CountMessages(ctx context.Context, convID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.msgCol.CountDocuments(ctx, bson.M{"conversation_id": convID})
}

func (s *MongoStore) LatestMessage(ctx context.Context, convID string) (*models.Message, error) {
	msgs, err := s.findMessages(ctx, bson.M{"conversation_id": convID}, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

func (s *MongoStore) findAndUpdateMessage(ctx context.Context, filter bson.M, update any) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.msgCol.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After))
	var m models.Message
	if err := res.Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Normalize()
	return &m, nil
}

func (s *MongoStore) UpdateContent(ctx context.Context, id, content string, at time.Time) (*models.Message, error) {
	return s.findAndUpdateMessage(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"content":    content,
		"is_edited":  true,
		"edited_at":  at,
		"updated_at": at,
	}})
}

func (s *MongoStore) SoftDelete(ctx context.Context, id string, at time.Time) (*models.Message, error) {
	return s.findAndUpdateMessage(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"is_deleted": true,
		"deleted_at": at,
		"updated_at": at,
	}})
}

func (s *MongoStore) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) (*models.Message, bool, error) {
	// only documents still below the target status match
	m, err := s.findAndUpdateMessage(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": models.StatusesBelow(status)}},
		bson.M{"$set": bson.M{"status": status, "updated_at": at}},
	)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	m, err = s.FindMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

func (s *MongoStore) SetReaction(ctx context.Context, id string, r models.Reaction) (*models.Message, error) {
	// drop the user's previous reaction and append the new one in one update
	keepOthers := bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$reactions", bson.A{}}}}},
		{Key: "as", Value: "r"},
		{Key: "cond", Value: bson.D{{Key: "$ne", Value: bson.A{"$$r.user_id", r.UserID}}}},
	}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "reactions", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				keepOthers,
				bson.A{bson.D{{Key: "$literal", Value: r}}},
			}}}},
			{Key: "updated_at", Value: r.Timestamp},
		}}},
	}
	return s.findAndUpdateMessage(ctx, bson.M{"_id": id}, pipeline)
}

func (s *MongoStore) RemoveReaction(ctx context.Context, id, userID string, at time.Time) (*models.Message, error) {
	return s.findAndUpdateMessage(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"reactions": bson.M{"user_id": userID}},
		"$set":  bson.M{"updated_at": at},
	})
}

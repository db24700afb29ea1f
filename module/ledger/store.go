package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"convocore/tools/errs"
)

// Sentinel uniqueness errors. These are store internals the append retry
// ladder branches on; callers outside the package only ever see taxonomy
// errors.
var (
	ErrDupID       = errors.New("unique message id violated")
	ErrDupSeq      = errors.New("unique conversation seq violated")
	ErrDupClientID = errors.New("unique client_msg_id violated")
)

// Store is the persistence half of the ledger: inserts under unique
// indexes, overlay updates, ordered reads. Never deletes rows.
type Store interface {
	Insert(ctx context.Context, m Message) error
	Get(ctx context.Context, id string) (Message, error)
	FindByClientID(ctx context.Context, senderID, clientMsgID string) (*Message, error)
	MaxSeq(ctx context.Context, convID string) (int64, error)

	// SetEdited applies only when id exists, sender matches and the message
	// is not deleted; ok=false otherwise.
	SetEdited(ctx context.Context, id, senderID string, content string, atMS int64) (Message, bool, error)

	// SetDeleted flips the deleted overlay; ok=false when the message is
	// absent. Deleting an already-deleted message is a harmless repeat.
	SetDeleted(ctx context.Context, id string, atMS int64) (Message, bool, error)

	List(ctx context.Context, convID string, cur Cursor, limit int) ([]Message, error)
}

const collMessages = "message"

type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore { return &MongoStore{db: db} }

func (s *MongoStore) coll() *mongo.Collection { return s.db.Collection(collMessages) }

// EnsureIndexes creates the unique indexes the append pipeline relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_conv_seq"),
		},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_sender_client").
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_conv_order"),
		},
	})
	return errs.WrapMsg(err, "ledger indexes")
}

func (s *MongoStore) Insert(ctx context.Context, m Message) error {
	_, err := s.coll().InsertOne(ctx, m)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "uq_sender_client"):
			return ErrDupClientID
		case strings.Contains(msg, "uq_conv_seq"):
			return ErrDupSeq
		default:
			return ErrDupID
		}
	}
	return errs.ErrTransient.WrapMsg("insert message", "conversation", m.ConversationID)
}

func (s *MongoStore) Get(ctx context.Context, id string) (Message, error) {
	var m Message
	err := s.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	if err != nil {
		return Message{}, errs.ErrTransient.WrapMsg("get message", "id", id)
	}
	return m, nil
}

func (s *MongoStore) FindByClientID(ctx context.Context, senderID, clientMsgID string) (*Message, error) {
	var m Message
	err := s.coll().FindOne(ctx, bson.M{"sender_id": senderID, "client_msg_id": clientMsgID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrTransient.WrapMsg("find by client id", "sender", senderID)
	}
	return &m, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, convID string) (int64, error) {
	var m struct {
		Seq int64 `bson:"seq"`
	}
	err := s.coll().FindOne(ctx,
		bson.M{"conversation_id": convID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1}),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrTransient.WrapMsg("max seq", "conversation", convID)
	}
	return m.Seq, nil
}

func (s *MongoStore) SetEdited(ctx context.Context, id, senderID string, content string, atMS int64) (Message, bool, error) {
	var m Message
	err := s.coll().FindOneAndUpdate(ctx,
		bson.M{"_id": id, "sender_id": senderID, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "edited": true, "updated_at_ms": atMS}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, errs.ErrTransient.WrapMsg("edit message", "id", id)
	}
	return m, true, nil
}

func (s *MongoStore) SetDeleted(ctx context.Context, id string, atMS int64) (Message, bool, error) {
	var m Message
	err := s.coll().FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"deleted": true, "updated_at_ms": atMS}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, errs.ErrTransient.WrapMsg("delete message", "id", id)
	}
	return m, true, nil
}

func (s *MongoStore) List(ctx context.Context, convID string, cur Cursor, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filter := bson.M{"conversation_id": convID}
	if cur.AfterID != "" || cur.AfterTsMS > 0 {
		filter["$or"] = bson.A{
			bson.M{"created_at_ms": bson.M{"$gt": cur.AfterTsMS}},
			bson.M{"created_at_ms": cur.AfterTsMS, "_id": bson.M{"$gt": cur.AfterID}},
		}
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.coll().Find(cctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errs.ErrTransient.WrapMsg("list messages", "conversation", convID)
	}
	defer func() { _ = rows.Close(cctx) }()
	var out []Message
	for rows.Next(cctx) {
		var m Message
		if err := rows.Decode(&m); err != nil {
			return nil, errs.ErrTransient.WrapMsg("decode message")
		}
		out = append(out, m.Redacted())
	}
	if err := rows.Err(); err != nil {
		return nil, errs.ErrTransient.WrapMsg("message cursor", "conversation", convID)
	}
	return out, nil
}

package ledger

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"convocore/tools/errs"
)

const collSeqConv = "seq_conversation"

// MongoSegmentSource backs the redis stamper: it leases seq segments with
// an atomic $inc and keeps the committed (seq, ts) watermark so a cold
// redis key restarts above everything already written.
type MongoSegmentSource struct {
	DB *mongo.Database
}

func (d *MongoSegmentSource) coll() *mongo.Collection { return d.DB.Collection(collSeqConv) }

func (d *MongoSegmentSource) AllocSegment(ctx context.Context, convID string, block int64) (start, end, lastTsMS int64, err error) {
	if block <= 0 {
		block = 256
	}
	now := time.Now()

	filter := bson.M{"conversation_id": convID}
	update := bson.M{
		"$inc":         bson.M{"issued_seq": block},
		"$setOnInsert": bson.M{"max_seq": int64(0), "last_ts_ms": int64(0), "create_time": now},
		"$set":         bson.M{"update_time": now},
	}

	var before struct {
		IssuedSeq int64 `bson:"issued_seq"`
		LastTsMS  int64 `bson:"last_ts_ms"`
	}
	err = d.coll().FindOneAndUpdate(
		ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, 0, 0, errs.ErrTransient.WrapMsg("alloc seq segment", "conversation", convID)
	}
	old := before.IssuedSeq // absent doc counts as 0
	return old + 1, old + block, before.LastTsMS, nil
}

// CommitStamp advances the committed watermark: max_seq and last_ts_ms only
// ever move forward.
func (d *MongoSegmentSource) CommitStamp(ctx context.Context, convID string, seq, tsMS int64) error {
	_, err := d.coll().UpdateOne(ctx,
		bson.M{"conversation_id": convID},
		bson.M{
			"$max": bson.M{"max_seq": seq, "last_ts_ms": tsMS},
			"$set": bson.M{"update_time": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrTransient.WrapMsg("commit stamp", "conversation", convID)
	}
	return nil
}

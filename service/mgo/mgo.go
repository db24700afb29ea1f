package mgo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"convocore/tools/errs"
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

var (
	mgoOnce sync.Once
	mgoMgr  *MongoManager
)

type MongoManager struct {
	client *mongo.Client
	db     *mongo.Database
}

// InitMongo connects the singleton client and pings the primary.
func InitMongo(ctx context.Context, c Config) error {
	var initErr error
	mgoOnce.Do(func() {
		opts := options.Client().ApplyURI(c.URI)
		if c.MaxPoolSize > 0 {
			opts.SetMaxPoolSize(c.MaxPoolSize)
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		cli, err := mongo.Connect(cctx, opts)
		if err != nil {
			initErr = errs.WrapMsg(err, "connect mongo")
			return
		}
		if err := cli.Ping(cctx, readpref.Primary()); err != nil {
			initErr = errs.WrapMsg(err, "ping mongo")
			return
		}
		mgoMgr = &MongoManager{client: cli, db: cli.Database(c.Database)}
	})
	return initErr
}

func GetDB() *mongo.Database {
	if mgoMgr == nil {
		panic("mongo not initialized, call InitMongo first")
	}
	return mgoMgr.db
}

func CloseMongo(ctx context.Context) error {
	if mgoMgr != nil && mgoMgr.client != nil {
		return mgoMgr.client.Disconnect(ctx)
	}
	return nil
}

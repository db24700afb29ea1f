package storage

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"convocore/tools/errs"
)

// Presence is session-layer state: the core only reads and refreshes a TTL
// flag, it never derives authority from it.

func presenceKey(user string) string { return "cc:presence:" + user }

type Presence struct {
	rdb *goredis.Client
}

func NewPresence(rdb *goredis.Client) *Presence { return &Presence{rdb: rdb} }

// Online marks the user online on the given gateway and renews the TTL.
func (p *Presence) Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if err := p.rdb.Set(ctx, presenceKey(user), gatewayID, ttl).Err(); err != nil {
		return errs.ErrTransient.WrapMsg("presence set", "user", user)
	}
	return nil
}

// Offline deletes the flag.
func (p *Presence) Offline(ctx context.Context, user string) error {
	if err := p.rdb.Del(ctx, presenceKey(user)).Err(); err != nil {
		return errs.ErrTransient.WrapMsg("presence del", "user", user)
	}
	return nil
}

// Lookup reports whether the user is online and on which gateway.
func (p *Presence) Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.ErrTransient.WrapMsg("presence get", "user", user)
	}
	return val, true, nil
}

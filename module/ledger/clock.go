package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"convocore/tools/errs"
)

// Stamper issues (seq, created_at_ms) pairs per conversation. Both are
// strictly increasing within a conversation: seq through segment
// allocation, the timestamp through a last-issued watermark that bumps a
// stalled or rewound wall clock forward by 1ms.
type Stamper interface {
	Next(ctx context.Context, convID string) (seq, tsMS int64, err error)
	// Commit persists the issued watermark after a successful insert.
	Commit(ctx context.Context, convID string, seq, tsMS int64) error
	// Reconcile re-bases the allocator above a known committed seq, used
	// when the cache fell behind the store.
	Reconcile(ctx context.Context, convID string, dbMaxSeq int64) error
}

// In-segment issue: KEYS[1]=key; ARGV[1]=nowMs; ARGV[2]=segEnd (0 = any)
// Returns {0, seq, ts} on success; {1} when no segment is loaded;
// {3, curr, end} when the segment is exhausted or stale.
var luaStamp = redis.NewScript(`
  local k = KEYS[1]
  local nowms = tonumber(ARGV[1])
  local segEnd = tonumber(ARGV[2])

  local curr = redis.call('HGET', k, 'curr')
  local endv = redis.call('HGET', k, 'end')
  if not curr or not endv then
    return {1}
  end
  curr = tonumber(curr); endv = tonumber(endv)

  if segEnd ~= 0 and segEnd ~= endv then
    return {3, curr, endv}
  end
  if curr + 1 > endv then
    return {3, curr, endv}
  end

  local last = tonumber(redis.call('HGET', k, 'last_ms') or '0')
  local ts = nowms
  if ts <= last then
    ts = last + 1
  end
  redis.call('HSET', k, 'curr', curr + 1, 'last_ms', ts)
  return {0, curr + 1, ts}
`)

// Load/refresh a segment: curr=start-1, end=end, last_ms=max(existing, floor).
var luaSetSegment = redis.NewScript(`
  local k = KEYS[1]
  local curr  = tonumber(ARGV[1])
  local endv  = tonumber(ARGV[2])
  local floor = tonumber(ARGV[3])
  local last = tonumber(redis.call('HGET', k, 'last_ms') or '0')
  if floor > last then last = floor end
  redis.call('HSET', k, 'curr', curr, 'end', endv, 'last_ms', last)
  redis.call('PEXPIRE', k, 3600000)
  return 1
`)

// SegmentSource hands out seq segments and remembers committed watermarks,
// surviving redis key expiry.
type SegmentSource interface {
	AllocSegment(ctx context.Context, convID string, block int64) (start, end, lastTsMS int64, err error)
	CommitStamp(ctx context.Context, convID string, seq, tsMS int64) error
}

type RedisStamper struct {
	Rdb      redis.Scripter
	Source   SegmentSource
	Block    int64
	MaxRetry int
	now      func() time.Time
}

func NewRedisStamper(rdb redis.Scripter, src SegmentSource) *RedisStamper {
	return &RedisStamper{Rdb: rdb, Source: src, Block: 256, MaxRetry: 10, now: time.Now}
}

func stampKey(convID string) string { return "cc:stamp:" + convID }

func (a *RedisStamper) Next(ctx context.Context, convID string) (int64, int64, error) {
	key := stampKey(convID)
	nowms := a.now().UnixMilli()

	// Fast path: issue inside the loaded segment.
	if res, err := luaStamp.Run(ctx, a.Rdb, []string{key}, nowms, 0).Result(); err == nil {
		if seq, ts, ok := decodeStamp(res); ok {
			return seq, ts, nil
		}
	}

	// Slow path: refill from the source, then issue.
	var lastErr error
	for i := 0; i < a.MaxRetry; i++ {
		start, end, lastTs, err := a.Source.AllocSegment(ctx, convID, a.Block)
		if err != nil {
			return 0, 0, err
		}
		if _, err := luaSetSegment.Run(ctx, a.Rdb, []string{key}, start-1, end, lastTs).Result(); err != nil {
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}
		res, err := luaStamp.Run(ctx, a.Rdb, []string{key}, a.now().UnixMilli(), end).Result()
		if err != nil {
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if seq, ts, ok := decodeStamp(res); ok {
			return seq, ts, nil
		}
		// Segment contention: another node refilled under us.
		time.Sleep(5 * time.Millisecond)
	}
	if lastErr == nil {
		return 0, 0, errs.ErrTransient.WrapMsg("stamp retry exceeded", "conversation", convID)
	}
	return 0, 0, errs.ErrTransient.WrapMsg("stamp alloc", "cause", lastErr)
}

func (a *RedisStamper) Commit(ctx context.Context, convID string, seq, tsMS int64) error {
	return a.Source.CommitStamp(ctx, convID, seq, tsMS)
}

// Reconcile lifts the cached segment past a committed seq the cache does
// not know about (redis flush, failover).
func (a *RedisStamper) Reconcile(ctx context.Context, convID string, dbMaxSeq int64) error {
	start, end, lastTs, err := a.Source.AllocSegment(ctx, convID, a.Block+dbMaxSeq)
	if err != nil {
		return err
	}
	if start <= dbMaxSeq {
		start = dbMaxSeq + 1
	}
	_, err = luaSetSegment.Run(ctx, a.Rdb, []string{stampKey(convID)}, start-1, end, lastTs).Result()
	return errs.Wrap(err)
}

func decodeStamp(res any) (seq, ts int64, ok bool) {
	arr, isArr := res.([]interface{})
	if !isArr || len(arr) == 0 {
		return 0, 0, false
	}
	code, _ := arr[0].(int64)
	if code != 0 || len(arr) < 3 {
		return 0, 0, false
	}
	seq, _ = arr[1].(int64)
	ts, _ = arr[2].(int64)
	return seq, ts, true
}

// MemStamper is the single-process implementation with the same
// monotonicity contract; tests and the mem store run on it.
type MemStamper struct {
	mu   sync.Mutex
	seq  map[string]int64
	last map[string]int64
	now  func() time.Time
}

func NewMemStamper() *MemStamper {
	return &MemStamper{
		seq:  make(map[string]int64),
		last: make(map[string]int64),
		now:  time.Now,
	}
}

// SetClock injects a fake wall clock.
func (m *MemStamper) SetClock(now func() time.Time) { m.now = now }

func (m *MemStamper) Next(_ context.Context, convID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[convID]++
	ts := m.now().UnixMilli()
	if ts <= m.last[convID] {
		ts = m.last[convID] + 1
	}
	m.last[convID] = ts
	return m.seq[convID], ts, nil
}

func (m *MemStamper) Commit(context.Context, string, int64, int64) error { return nil }

func (m *MemStamper) Reconcile(_ context.Context, convID string, dbMaxSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq[convID] <= dbMaxSeq {
		m.seq[convID] = dbMaxSeq
	}
	return nil
}

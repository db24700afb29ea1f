package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"convocore/tools/errs"
)

type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client wraps one NATS connection plus the set of live subscriptions it
// owns, keyed by an opaque subscription ID so each logical interest can be
// torn down independently.
type Client struct {
	cfg Config
	nc  *nats.Conn

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*nats.Subscription

	onDisconnect func(error)
}

func NewClient(cfg Config, onDisconnect func(error)) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.NewCodeError(errs.CodeTransient, "nats servers missing").Wrap()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	c := &Client{
		cfg:          cfg,
		subs:         make(map[int64]*nats.Subscription),
		onDisconnect: onDisconnect,
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrTransient.WrapMsg("connect nats")
	}
	c.nc = nc
	return c, nil
}

// Close drains every subscription and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, id)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) track(sub *nats.Subscription) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs[c.nextID] = sub
	return c.nextID
}

func (c *Client) untrack(id int64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		_ = sub.Drain()
	}
}

package natsx

import (
	"context"

	"github.com/nats-io/nats.go"

	"convocore/tools/errs"
)

const msgIDHeader = "Nats-Msg-Id"

// Publish sends data on subject with optional headers.
func (c *Client) Publish(_ context.Context, subject string, data []byte, hdr map[string]string) error {
	m := nats.NewMsg(subject)
	m.Data = data
	for k, v := range hdr {
		m.Header.Set(k, v)
	}
	if err := c.nc.PublishMsg(m); err != nil {
		return errs.ErrTransient.WrapMsg("nats publish", "subject", subject)
	}
	return nil
}

// PublishOnce stamps a message ID header so consumers can dedupe replays.
func (c *Client) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	if hdr == nil {
		hdr = map[string]string{}
	}
	hdr[msgIDHeader] = msgID
	return c.Publish(ctx, subject, data, hdr)
}

// Cancel tears one subscription down.
type Cancel func()

// Subscribe registers h on subject (queue optional) and returns its
// independent teardown. Handler errors are the handler's problem; delivery
// is at-most-once core NATS, the reconciler owns recovery.
func (c *Client) Subscribe(subject, queue string, h Handler, mws ...Middleware) (Cancel, error) {
	h = Chain(h, mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), Message{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, errs.ErrTransient.WrapMsg("nats subscribe", "subject", subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	id := c.track(sub)
	return func() { c.untrack(id) }, nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

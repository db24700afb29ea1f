package reconcile

import (
	"context"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"convocore/logger"
	"convocore/module/events"
	"convocore/module/identity"
	"convocore/module/ledger"
	"convocore/service/natsx"
	"convocore/tools/errs"
)

// Stream is the change-notification transport the reconciler consumes.
// Delivery may be lossy; the reconciler never assumes replay.
type Stream interface {
	Subscribe(subject string, fn func(context.Context, events.Change) error) (func(), error)
}

// Fetcher loads authoritative state during recovery. Read-only: the
// reconciler never writes back to the stores.
type Fetcher interface {
	Conversations(ctx context.Context, userID string) ([]identity.Conversation, error)
	Messages(ctx context.Context, convID, userID string) ([]ledger.Message, error)
}

// Reconciler keeps one client's View converged with the store. It owns a
// registry of stream subscriptions that Close tears down together.
type Reconciler struct {
	userID string
	view   *View
	stream Stream
	fetch  Fetcher

	mu      sync.Mutex
	cancels map[int64]func()
	nextID  int64
	closed  bool
}

func NewReconciler(userID string, stream Stream, fetch Fetcher) *Reconciler {
	return &Reconciler{
		userID:  userID,
		view:    NewView(),
		stream:  stream,
		fetch:   fetch,
		cancels: make(map[int64]func()),
	}
}

func (r *Reconciler) View() *View { return r.view }

// Start fills the conversation list and subscribes to the user's feed.
func (r *Reconciler) Start(ctx context.Context) error {
	convs, err := r.fetch.Conversations(ctx, r.userID)
	if err != nil {
		return err
	}
	r.view.ResetConversations(convs)
	return r.subscribe(events.SubjectUser(r.userID))
}

// OpenConversation fills the message list and subscribes to the
// conversation's feed. The fetch runs before the subscription so a gap
// between them resolves toward fresher data on the next apply.
func (r *Reconciler) OpenConversation(ctx context.Context, convID string) error {
	msgs, err := r.fetch.Messages(ctx, convID, r.userID)
	if err != nil {
		return err
	}
	r.view.ResetMessages(convID, msgs)
	return r.subscribe(events.SubjectConversation(convID))
}

func (r *Reconciler) subscribe(subject string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.ErrGone.WrapMsg("reconciler closed")
	}
	r.mu.Unlock()

	cancel, err := r.stream.Subscribe(subject, r.apply)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return errs.ErrGone.WrapMsg("reconciler closed")
	}
	r.nextID++
	r.cancels[r.nextID] = cancel
	return nil
}

// Close cancels every subscription the reconciler registered.
func (r *Reconciler) Close() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = make(map[int64]func())
	r.closed = true
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// apply folds one notification into the view. Unknown kinds are skipped;
// a Transient failure triggers the full recovery re-fetch.
func (r *Reconciler) apply(ctx context.Context, ch events.Change) error {
	switch ch.Kind {
	case events.KindConversation:
		var c identity.Conversation
		if err := decodeEntity(ch.Entity, &c); err != nil {
			logger.Warn("bad conversation entity", zap.String("change", ch.ID), zap.Error(err))
			return nil
		}
		r.view.ApplyConversation(c)
	case events.KindMessage:
		var m ledger.Message
		if err := decodeEntity(ch.Entity, &m); err != nil {
			logger.Warn("bad message entity", zap.String("change", ch.ID), zap.Error(err))
			return nil
		}
		r.view.ApplyMessage(m)
	case events.KindParticipant:
		// Membership shifts can change what the user may see; the cheap
		// correct move is to reload the conversation list.
		convs, err := r.fetch.Conversations(ctx, r.userID)
		if err != nil {
			if errs.IsTransient(err) {
				return r.Recover(ctx)
			}
			return err
		}
		r.view.ResetConversations(convs)
	default:
		// Call session changes ride the same stream but live outside the
		// conversation/message view.
	}
	return nil
}

// Recover re-fetches authoritative state for everything the view holds.
// Used after a dropped stream: missed notifications are not replayed, the
// view is rebuilt instead.
func (r *Reconciler) Recover(ctx context.Context) error {
	convs, err := r.fetch.Conversations(ctx, r.userID)
	if err != nil {
		return err
	}
	r.view.ResetConversations(convs)
	for _, convID := range r.view.OpenConversations() {
		msgs, err := r.fetch.Messages(ctx, convID, r.userID)
		if err != nil {
			return err
		}
		r.view.ResetMessages(convID, msgs)
	}
	return nil
}

func decodeEntity(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	return errs.WrapMsg(dec.Decode(in), "decode entity")
}

// NatsStream adapts the NATS client to the Stream contract, decoding the
// change envelope off the wire.
type NatsStream struct {
	Client *natsx.Client
}

func (s NatsStream) Subscribe(subject string, fn func(context.Context, events.Change) error) (func(), error) {
	cancel, err := s.Client.Subscribe(subject, "", decodeChange(fn))
	if err != nil {
		return nil, err
	}
	return func() { cancel() }, nil
}

// decodeChange unwraps the wire envelope before handing the change to fn.
// Undecodable payloads are logged and dropped, not retried.
func decodeChange(fn func(context.Context, events.Change) error) natsx.Handler {
	return func(ctx context.Context, m natsx.Message) error {
		ch, err := events.Decode(m.Data)
		if err != nil {
			logger.Warn("undecodable change", zap.String("subject", m.Subject), zap.Error(err))
			return nil
		}
		return fn(ctx, ch)
	}
}

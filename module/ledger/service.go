package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"convocore/logger"
	"convocore/module/events"
	"convocore/module/identity"
	"convocore/tools/errs"
	"convocore/tools/ids"
)

// Membership is the slice of the identity store the ledger needs: the
// sender gate, the admin gate for deletes and the updated_at touch.
// identity.Store satisfies it.
type Membership interface {
	RoleOf(ctx context.Context, convID, userID string) (identity.Role, bool, error)
	ListParticipants(ctx context.Context, convID string) ([]identity.Participant, error)
	TouchConversation(ctx context.Context, convID string, atMS int64) (identity.Conversation, error)
}

// Ledger is the append-only ordered message log per conversation.
type Ledger struct {
	store      Store
	stamper    Stamper
	membership Membership
	bus        events.Publisher
	now        func() time.Time
}

func New(store Store, stamper Stamper, membership Membership, bus events.Publisher) *Ledger {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Ledger{store: store, stamper: stamper, membership: membership, bus: bus, now: time.Now}
}

const insertRetryMax = 3

// Append validates, stamps and persists one message, then touches the
// conversation and publishes. Resubmitting the same client_msg_id returns
// the committed message instead of a duplicate.
func (l *Ledger) Append(ctx context.Context, convID, senderID string, p Payload) (Message, error) {
	if _, ok, err := l.membership.RoleOf(ctx, convID, senderID); err != nil {
		return Message{}, err
	} else if !ok {
		return Message{}, errs.ErrForbidden.WrapMsg("sender is not a participant", "conversation", convID, "sender", senderID)
	}
	if !ValidType(p.Type) {
		return Message{}, errs.ErrInvariantViolation.WrapMsg("unknown message type", "type", string(p.Type))
	}
	if p.Content == nil && p.Attachment == nil {
		return Message{}, errs.ErrInvariantViolation.WrapMsg("empty message")
	}
	if p.Attachment != nil && p.Attachment.Size < 0 {
		return Message{}, errs.ErrInvariantViolation.WrapMsg("negative attachment size", "size", p.Attachment.Size)
	}

	// Idempotent resubmit.
	if p.ClientMsgID != "" {
		if existing, err := l.store.FindByClientID(ctx, senderID, p.ClientMsgID); err != nil {
			return Message{}, err
		} else if existing != nil {
			return existing.Redacted(), nil
		}
	}

	seq, tsMS, err := l.stamper.Next(ctx, convID)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             ids.GenerateWithPrefix("msg"),
		ConversationID: convID,
		SenderID:       senderID,
		ClientMsgID:    p.ClientMsgID,
		Type:           p.Type,
		Content:        p.Content,
		Attachment:     p.Attachment,
		ReplyTo:        p.ReplyTo,
		Seq:            seq,
		CreatedAtMS:    tsMS,
		UpdatedAtMS:    tsMS,
	}

	for attempt := 0; ; attempt++ {
		err = l.store.Insert(ctx, msg)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, ErrDupClientID):
			// Lost an idempotency race; the other writer's row wins.
			if existing, ferr := l.store.FindByClientID(ctx, senderID, p.ClientMsgID); ferr == nil && existing != nil {
				return existing.Redacted(), nil
			}
			return Message{}, errs.ErrConflict.WrapMsg("client_msg_id raced and row vanished")
		case errors.Is(err, ErrDupSeq) && attempt < insertRetryMax:
			// Allocator fell behind the store: re-base and restamp.
			dbMax, merr := l.store.MaxSeq(ctx, convID)
			if merr != nil {
				return Message{}, merr
			}
			if rerr := l.stamper.Reconcile(ctx, convID, dbMax); rerr != nil {
				return Message{}, rerr
			}
			if msg.Seq, msg.CreatedAtMS, err = l.stamper.Next(ctx, convID); err != nil {
				return Message{}, err
			}
			msg.UpdatedAtMS = msg.CreatedAtMS
		case errors.Is(err, ErrDupID) && attempt < insertRetryMax:
			msg.ID = ids.GenerateWithPrefix("msg")
		default:
			return Message{}, errs.ErrTransient.WrapMsg("append failed", "conversation", convID, "cause", err)
		}
	}

	if err := l.stamper.Commit(ctx, convID, msg.Seq, msg.CreatedAtMS); err != nil {
		logger.Warn("stamp commit failed", zap.String("conversation", convID), zap.Error(err))
	}

	conv, err := l.membership.TouchConversation(ctx, convID, msg.CreatedAtMS)
	if err != nil {
		// The message is committed; a failed touch only delays list reorder.
		logger.Warn("conversation touch failed", zap.String("conversation", convID), zap.Error(err))
	}

	l.publishMessage(ctx, msg, events.OpInsert)
	if err == nil {
		l.publishConversation(ctx, conv)
	}
	return msg, nil
}

// Edit rewrites content. Only the original sender may edit; an edited
// message keeps its position and turns its flag on.
func (l *Ledger) Edit(ctx context.Context, msgID, newContent, actorID string) (Message, error) {
	m, ok, err := l.store.SetEdited(ctx, msgID, actorID, newContent, l.now().UnixMilli())
	if err != nil {
		return Message{}, err
	}
	if !ok {
		// Disambiguate for the caller.
		existing, gerr := l.store.Get(ctx, msgID)
		if gerr != nil || existing.Deleted {
			return Message{}, errs.ErrNotFound.WrapMsg("message", "id", msgID)
		}
		return Message{}, errs.ErrForbidden.WrapMsg("only the sender may edit", "id", msgID)
	}
	l.publishMessage(ctx, m, events.OpUpdate)
	return m, nil
}

// SoftDelete hides content while keeping the slot. Sender or a conversation
// admin.
func (l *Ledger) SoftDelete(ctx context.Context, msgID, actorID string) (Message, error) {
	m, err := l.store.Get(ctx, msgID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != actorID {
		role, ok, rerr := l.membership.RoleOf(ctx, m.ConversationID, actorID)
		if rerr != nil {
			return Message{}, rerr
		}
		if !ok || role != identity.RoleAdmin {
			return Message{}, errs.ErrForbidden.WrapMsg("sender or admin required", "id", msgID)
		}
	}
	deleted, ok, err := l.store.SetDeleted(ctx, msgID, l.now().UnixMilli())
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, errs.ErrNotFound.WrapMsg("message", "id", msgID)
	}
	l.publishMessage(ctx, deleted, events.OpUpdate)
	return deleted.Redacted(), nil
}

// ListSince pages the conversation history in (created_at, id) order.
// Deleted messages ride along content-less so history never gaps. The
// returned cursor restarts the walk exactly where it stopped.
func (l *Ledger) ListSince(ctx context.Context, convID, requesterID string, cur Cursor, limit int) ([]Message, Cursor, error) {
	if _, ok, err := l.membership.RoleOf(ctx, convID, requesterID); err != nil {
		return nil, Cursor{}, err
	} else if !ok {
		return nil, Cursor{}, errs.ErrForbidden.WrapMsg("not a participant", "conversation", convID)
	}
	msgs, err := l.store.List(ctx, convID, cur, limit)
	if err != nil {
		return nil, Cursor{}, err
	}
	next := cur
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		next = Cursor{AfterTsMS: last.CreatedAtMS, AfterID: last.ID}
	}
	return msgs, next, nil
}

func (l *Ledger) publishMessage(ctx context.Context, m Message, op events.Op) {
	userIDs := l.participantIDs(ctx, m.ConversationID)
	l.bus.Publish(ctx, events.Change{
		Kind:           events.KindMessage,
		Op:             op,
		ConversationID: m.ConversationID,
		Entity:         m.Entity(),
		AtMS:           l.now().UnixMilli(),
	}, userIDs)
}

func (l *Ledger) publishConversation(ctx context.Context, c identity.Conversation) {
	l.bus.Publish(ctx, events.Change{
		Kind:           events.KindConversation,
		Op:             events.OpUpdate,
		ConversationID: c.ID,
		Entity:         c.Entity(),
		AtMS:           l.now().UnixMilli(),
	}, l.participantIDs(ctx, c.ID))
}

func (l *Ledger) participantIDs(ctx context.Context, convID string) []string {
	parts, err := l.membership.ListParticipants(ctx, convID)
	if err != nil {
		logger.Warn("list participants for publish", zap.String("conversation", convID), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.UserID)
	}
	return out
}

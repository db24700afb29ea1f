package identity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"convocore/logger"
	"convocore/module/events"
	"convocore/tools/errs"
	"convocore/tools/ids"
)

const codeRetryMax = 5

// ErrPartialMembership marks a group that committed with its creator but is
// missing some initial members. Distinct from total failure: the caller owns
// a usable conversation and can re-invite.
var ErrPartialMembership = errs.NewCodeError(errs.CodeConflict, "group created with partial membership")

// Resolver finds-or-creates conversations and applies membership changes.
// All atomicity lives in the Store; the resolver sequences, authorizes and
// publishes.
type Resolver struct {
	store Store
	codes CodeGenerator
	bus   events.Publisher
	now   func() time.Time
}

func NewResolver(store Store, codes CodeGenerator, bus events.Publisher) *Resolver {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Resolver{store: store, codes: codes, bus: bus, now: time.Now}
}

// ResolveDirect returns the one direct conversation for {a, b}, creating it
// if absent. Concurrent calls from both sides converge on a single winner;
// the loser is redirected, never duplicated.
func (r *Resolver) ResolveDirect(ctx context.Context, a, b string) (Conversation, error) {
	if a == b {
		return Conversation{}, errs.ErrInvariantViolation.WrapMsg("direct conversation with self", "user", a)
	}
	for _, uid := range []string{a, b} {
		if _, err := r.store.GetUser(ctx, uid); err != nil {
			return Conversation{}, err
		}
	}

	now := r.now().UnixMilli()
	key := DirectKey(a, b)
	conv := Conversation{
		ID:          ids.GenerateWithPrefix("conv"),
		IsGroup:     false,
		DirectKey:   &key,
		CreatedBy:   a,
		CreatedAtMS: now,
	}
	caller := Participant{ConversationID: conv.ID, UserID: a, Role: RoleAdmin, JoinedAtMS: now}
	peer := Participant{ConversationID: conv.ID, UserID: b, Role: RoleMember, JoinedAtMS: now}

	winner, created, err := r.store.InsertDirect(ctx, conv, caller, peer)
	if err != nil {
		return Conversation{}, err
	}
	if created {
		logger.Info("direct conversation created",
			zap.String("conversation", winner.ID), zap.String("pair", key))
		r.publishConversation(ctx, winner, events.OpInsert, []string{a, b})
	}
	return winner, nil
}

// CreateGroup creates a group with the creator as sole admin plus the
// initial members. The invite code is regenerated on store-level collision.
func (r *Resolver) CreateGroup(ctx context.Context, name, creator string, members []string) (Conversation, error) {
	if _, err := r.store.GetUser(ctx, creator); err != nil {
		return Conversation{}, err
	}

	now := r.now().UnixMilli()
	parts := make([]Participant, 0, len(members)+1)
	skipped := 0
	for _, m := range members {
		if m == creator {
			continue
		}
		if _, err := r.store.GetUser(ctx, m); err != nil {
			// A dead member reference degrades to partial membership, it
			// must not strand the group creator-less or fail the whole call.
			skipped++
			continue
		}
		parts = append(parts, Participant{UserID: m, Role: RoleMember, JoinedAtMS: now})
	}

	var conv Conversation
	var lastErr error
	for attempt := 0; attempt < codeRetryMax; attempt++ {
		code := r.codes.NewCode()
		conv = Conversation{
			ID:          ids.GenerateWithPrefix("conv"),
			Name:        &name,
			IsGroup:     true,
			InviteCode:  &code,
			CreatedBy:   creator,
			CreatedAtMS: now,
		}
		all := append([]Participant{{UserID: creator, Role: RoleAdmin, JoinedAtMS: now}}, parts...)
		for i := range all {
			all[i].ConversationID = conv.ID
		}
		lastErr = r.store.InsertGroup(ctx, conv, all)
		if lastErr == nil {
			break
		}
		if errs.Code(lastErr) != errs.CodeConflict {
			return Conversation{}, lastErr
		}
		logger.Warn("invite code collision, regenerating", zap.Int("attempt", attempt+1))
	}
	if lastErr != nil {
		return Conversation{}, lastErr
	}
	conv.UpdatedAtMS = conv.CreatedAtMS

	memberIDs := make([]string, 0, len(parts)+1)
	memberIDs = append(memberIDs, creator)
	for _, p := range parts {
		memberIDs = append(memberIDs, p.UserID)
	}
	r.publishConversation(ctx, conv, events.OpInsert, memberIDs)

	if skipped > 0 {
		return conv, ErrPartialMembership.WrapMsg("members skipped", "count", skipped)
	}
	return conv, nil
}

// JoinByCode adds the user to the group behind code. A repeat join is a
// no-op success.
func (r *Resolver) JoinByCode(ctx context.Context, code, userID string) (Conversation, error) {
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return Conversation{}, err
	}
	conv, err := r.store.FindByInviteCode(ctx, code)
	if err != nil {
		return Conversation{}, err
	}

	now := r.now().UnixMilli()
	p := Participant{ConversationID: conv.ID, UserID: userID, Role: RoleMember, JoinedAtMS: now}
	added, err := r.store.AddParticipant(ctx, p)
	if err != nil {
		return Conversation{}, err
	}
	if !added {
		return conv, nil
	}

	conv, err = r.store.TouchConversation(ctx, conv.ID, now)
	if err != nil {
		return Conversation{}, err
	}
	r.publishParticipant(ctx, p, events.OpInsert)
	r.publishConversation(ctx, conv, events.OpUpdate, []string{userID})
	return conv, nil
}

// ChangeRole promotes/demotes target. Admin-gated; the last-admin check is
// the store's, at commit time.
func (r *Resolver) ChangeRole(ctx context.Context, convID, targetID string, newRole Role, actorID string) (Participant, error) {
	if newRole != RoleAdmin && newRole != RoleMember {
		return Participant{}, errs.ErrInvariantViolation.WrapMsg("unknown role", "role", string(newRole))
	}
	if err := r.requireAdmin(ctx, convID, actorID); err != nil {
		return Participant{}, err
	}
	p, err := r.store.UpdateRoleGuarded(ctx, convID, targetID, newRole)
	if err != nil {
		return Participant{}, err
	}
	conv, err := r.store.TouchConversation(ctx, convID, r.now().UnixMilli())
	if err != nil {
		return Participant{}, err
	}
	r.publishParticipant(ctx, p, events.OpUpdate)
	r.publishConversation(ctx, conv, events.OpUpdate, nil)
	return p, nil
}

// RemoveMember removes target from the conversation. Admin-gated; removing
// the last admin is refused, removing the last participant just leaves the
// conversation orphaned.
func (r *Resolver) RemoveMember(ctx context.Context, convID, targetID, actorID string) error {
	if err := r.requireAdmin(ctx, convID, actorID); err != nil {
		return err
	}
	if err := r.store.RemoveParticipantGuarded(ctx, convID, targetID); err != nil {
		return err
	}
	conv, err := r.store.TouchConversation(ctx, convID, r.now().UnixMilli())
	if err != nil {
		return err
	}
	r.publishParticipant(ctx, Participant{ConversationID: convID, UserID: targetID}, events.OpUpdate)
	r.publishConversation(ctx, conv, events.OpUpdate, []string{targetID})
	return nil
}

func (r *Resolver) requireAdmin(ctx context.Context, convID, userID string) error {
	role, ok, err := r.store.RoleOf(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok || role != RoleAdmin {
		return errs.ErrForbidden.WrapMsg("admin required", "conversation", convID, "user", userID)
	}
	return nil
}

func (r *Resolver) publishConversation(ctx context.Context, c Conversation, op events.Op, userIDs []string) {
	r.bus.Publish(ctx, events.Change{
		Kind:           events.KindConversation,
		Op:             op,
		ConversationID: c.ID,
		Entity:         c.Entity(),
		AtMS:           r.now().UnixMilli(),
	}, userIDs)
}

func (r *Resolver) publishParticipant(ctx context.Context, p Participant, op events.Op) {
	r.bus.Publish(ctx, events.Change{
		Kind:           events.KindParticipant,
		Op:             op,
		ConversationID: p.ConversationID,
		Entity:         p.Entity(),
		AtMS:           r.now().UnixMilli(),
	}, []string{p.UserID})
}

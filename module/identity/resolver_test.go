package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"convocore/tools/errs"
)

func newTestResolver(t *testing.T, userIDs ...string) (*Resolver, Store) {
	t.Helper()
	store := NewMemStore()
	r := NewResolver(store, NewCodeGenerator(), nil)
	for _, id := range userIDs {
		h := "@" + id
		if err := store.CreateUser(context.Background(), User{ID: id, DisplayName: id, Handle: &h}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	return r, store
}

func TestResolveDirectFindOrCreate(t *testing.T) {
	r, _ := newTestResolver(t, "alice", "bob")
	ctx := context.Background()

	first, err := r.ResolveDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.IsGroup {
		t.Fatalf("direct conversation marked as group")
	}

	// Same pair, either order, resolves to the same conversation.
	second, err := r.ResolveDirect(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("resolve reversed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate direct conversation: %s vs %s", first.ID, second.ID)
	}
}

func TestResolveDirectConcurrentSingleWinner(t *testing.T) {
	r, store := newTestResolver(t, "alice", "bob")
	ctx := context.Background()

	const callers = 16
	idsSeen := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := r.ResolveDirect(ctx, a, b)
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			idsSeen[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if idsSeen[i] != idsSeen[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, idsSeen[i], idsSeen[0])
		}
	}

	convs, err := store.ListConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(convs))
	}
	parts, _ := store.ListParticipants(ctx, convs[0].ID)
	if len(parts) != 2 {
		t.Fatalf("direct conversation has %d participants", len(parts))
	}
}

func TestResolveDirectSelfRejected(t *testing.T) {
	r, _ := newTestResolver(t, "alice")
	_, err := r.ResolveDirect(context.Background(), "alice", "alice")
	if !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("want InvariantViolation, got %v", err)
	}
}

func TestCreateGroupScenario(t *testing.T) {
	r, store := newTestResolver(t, "a", "b", "c", "d")
	ctx := context.Background()

	conv, err := r.CreateGroup(ctx, "Team", "a", []string{"b", "c"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if conv.InviteCode == nil || len(*conv.InviteCode) != 8 {
		t.Fatalf("invite code missing or wrong length: %v", conv.InviteCode)
	}

	parts, _ := store.ListParticipants(ctx, conv.ID)
	if len(parts) != 3 {
		t.Fatalf("want 3 participants, got %d", len(parts))
	}
	admins := 0
	for _, p := range parts {
		if p.Role == RoleAdmin {
			admins++
			if p.UserID != "a" {
				t.Fatalf("unexpected admin %s", p.UserID)
			}
		}
	}
	if admins != 1 {
		t.Fatalf("want sole admin, got %d", admins)
	}

	joined, err := r.JoinByCode(ctx, *conv.InviteCode, "d")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.ID != conv.ID {
		t.Fatalf("joined wrong conversation")
	}
	parts, _ = store.ListParticipants(ctx, conv.ID)
	if len(parts) != 4 {
		t.Fatalf("after join want 4 participants, got %d", len(parts))
	}

	// Idempotent rejoin.
	if _, err := r.JoinByCode(ctx, *conv.InviteCode, "d"); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	parts, _ = store.ListParticipants(ctx, conv.ID)
	if len(parts) != 4 {
		t.Fatalf("repeat join duplicated a row: %d participants", len(parts))
	}
}

func TestJoinByCodeUnknownCode(t *testing.T) {
	r, _ := newTestResolver(t, "a")
	_, err := r.JoinByCode(context.Background(), "NOPECODE", "a")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestChangeRoleAuthority(t *testing.T) {
	r, _ := newTestResolver(t, "a", "b", "c")
	ctx := context.Background()
	conv, err := r.CreateGroup(ctx, "Team", "a", []string{"b", "c"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	// Non-admin cannot change roles.
	if _, err := r.ChangeRole(ctx, conv.ID, "c", RoleAdmin, "b"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want Forbidden, got %v", err)
	}

	// Admin promotes b.
	p, err := r.ChangeRole(ctx, conv.ID, "b", RoleAdmin, "a")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if p.Role != RoleAdmin {
		t.Fatalf("b not promoted")
	}

	// With two admins, demoting one is fine.
	if _, err := r.ChangeRole(ctx, conv.ID, "a", RoleMember, "b"); err != nil {
		t.Fatalf("demote a: %v", err)
	}
	// Demoting the now-last admin fails.
	if _, err := r.ChangeRole(ctx, conv.ID, "b", RoleMember, "b"); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("want InvariantViolation, got %v", err)
	}
}

func TestConcurrentDemotionKeepsAnAdmin(t *testing.T) {
	r, store := newTestResolver(t, "a", "b")
	ctx := context.Background()
	conv, err := r.CreateGroup(ctx, "Pair", "a", []string{"b"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := r.ChangeRole(ctx, conv.ID, "b", RoleAdmin, "a"); err != nil {
		t.Fatalf("promote b: %v", err)
	}

	// Both admins demote each other at once. The guard runs under the
	// store's locking, so at most one demotion may land.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"a", "b"}, {"b", "a"}} {
		wg.Add(1)
		go func(target, actor string) {
			defer wg.Done()
			_, err := r.ChangeRole(ctx, conv.ID, target, RoleMember, actor)
			results <- err
		}(pair[0], pair[1])
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err == nil {
			continue
		}
		// The loser either hits the last-admin guard or, already demoted,
		// is no longer allowed to act.
		if !errors.Is(err, errs.ErrInvariantViolation) && !errors.Is(err, errs.ErrForbidden) {
			t.Fatalf("unexpected demotion failure: %v", err)
		}
	}

	parts, err := store.ListParticipants(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	admins := 0
	for _, p := range parts {
		if p.Role == RoleAdmin {
			admins++
		}
	}
	if admins == 0 {
		t.Fatal("cross demotions left the conversation without an admin")
	}
}

func TestAdminCountNeverZero(t *testing.T) {
	r, store := newTestResolver(t, "a", "b")
	ctx := context.Background()
	conv, err := r.CreateGroup(ctx, "Pair", "a", []string{"b"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	// The sole admin cannot remove themselves.
	if err := r.RemoveMember(ctx, conv.ID, "a", "a"); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("want InvariantViolation, got %v", err)
	}

	// Removing the member is fine, conversation survives orphan-bound.
	if err := r.RemoveMember(ctx, conv.ID, "b", "a"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if _, err := store.GetConversation(ctx, conv.ID); err != nil {
		t.Fatalf("conversation should remain after removals: %v", err)
	}
	parts, _ := store.ListParticipants(ctx, conv.ID)
	if len(parts) != 1 {
		t.Fatalf("want 1 remaining participant, got %d", len(parts))
	}
}

func TestRemoveMemberForbiddenForNonAdmin(t *testing.T) {
	r, _ := newTestResolver(t, "a", "b", "c")
	ctx := context.Background()
	conv, _ := r.CreateGroup(ctx, "Team", "a", []string{"b", "c"})
	if err := r.RemoveMember(ctx, conv.ID, "c", "b"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want Forbidden, got %v", err)
	}
}

func TestTouchConversationMonotonic(t *testing.T) {
	r, store := newTestResolver(t, "a", "b")
	ctx := context.Background()
	conv, _ := r.ResolveDirect(ctx, "a", "b")

	c1, err := store.TouchConversation(ctx, conv.ID, conv.UpdatedAtMS+500)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	// A stale touch never moves updated_at backwards.
	c2, err := store.TouchConversation(ctx, conv.ID, conv.UpdatedAtMS-500)
	if err != nil {
		t.Fatalf("stale touch: %v", err)
	}
	if c2.UpdatedAtMS != c1.UpdatedAtMS {
		t.Fatalf("updated_at moved backwards: %d -> %d", c1.UpdatedAtMS, c2.UpdatedAtMS)
	}
}

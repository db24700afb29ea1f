package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"convocore/module/identity"
	"convocore/tools/errs"
)

func str(s string) *string { return &s }

type ledgerFixture struct {
	ledger  *Ledger
	store   Store
	stamper *MemStamper
	ids     identity.Store
}

func newTestLedger(t *testing.T) ledgerFixture {
	t.Helper()
	idstore := identity.NewMemStore()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := idstore.CreateUser(ctx, identity.User{ID: u, DisplayName: u}); err != nil {
			t.Fatalf("create user %s: %v", u, err)
		}
	}
	conv := identity.Conversation{ID: "conv1", IsGroup: true, InviteCode: str("LEDGCODE"), CreatedBy: "alice"}
	parts := []identity.Participant{
		{ConversationID: "conv1", UserID: "alice", Role: identity.RoleAdmin},
		{ConversationID: "conv1", UserID: "bob", Role: identity.RoleMember},
	}
	if err := idstore.InsertGroup(ctx, conv, parts); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	store := NewMemStore()
	stamper := NewMemStamper()
	return ledgerFixture{
		ledger:  New(store, stamper, idstore, nil),
		store:   store,
		stamper: stamper,
		ids:     idstore,
	}
}

func TestAppendOrdering(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	var last Message
	for i := 0; i < 5; i++ {
		m, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("hi")})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i > 0 {
			if m.Seq != last.Seq+1 {
				t.Fatalf("seq not contiguous: %d after %d", m.Seq, last.Seq)
			}
			if m.CreatedAtMS <= last.CreatedAtMS {
				t.Fatalf("created_at not strictly increasing: %d after %d", m.CreatedAtMS, last.CreatedAtMS)
			}
		}
		last = m
	}
}

func TestAppendOrderingUnderStalledClock(t *testing.T) {
	fx := newTestLedger(t)
	l := fx.ledger
	ctx := context.Background()

	// Freeze the wall clock; timestamps must still strictly increase.
	frozen := time.UnixMilli(1_700_000_000_000)
	fx.stamper.SetClock(func() time.Time { return frozen })

	var prev int64
	for i := 0; i < 10; i++ {
		m, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("tick")})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if m.CreatedAtMS <= prev {
			t.Fatalf("timestamp stalled: %d after %d", m.CreatedAtMS, prev)
		}
		prev = m.CreatedAtMS
	}
}

func TestAppendIdempotentClientID(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	p := Payload{ClientMsgID: "c-1", Type: TypeText, Content: str("once")}
	first, err := l.Append(ctx, "conv1", "alice", p)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := l.Append(ctx, "conv1", "alice", p)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Fatalf("resubmit created a new message: %+v vs %+v", second, first)
	}

	// A different sender reusing the same client id is a distinct message.
	other, err := l.Append(ctx, "conv1", "bob", p)
	if err != nil {
		t.Fatalf("other sender: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("client ids must be scoped per sender")
	}
}

func TestAppendRejectsNonParticipant(t *testing.T) {
	l := newTestLedger(t).ledger
	_, err := l.Append(context.Background(), "conv1", "carol", Payload{Type: TypeText, Content: str("psst")})
	if !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want Forbidden, got %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	if _, err := l.Append(ctx, "conv1", "alice", Payload{Type: "sticker", Content: str("x")}); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("unknown type: want InvariantViolation, got %v", err)
	}
	if _, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText}); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("empty payload: want InvariantViolation, got %v", err)
	}
	bad := Payload{Type: TypeFile, Attachment: &Attachment{URL: "u", Name: "n", Size: -1}}
	if _, err := l.Append(ctx, "conv1", "alice", bad); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Fatalf("negative size: want InvariantViolation, got %v", err)
	}
}

func TestEdit(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	m, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("draft")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	edited, err := l.Edit(ctx, m.ID, "final", "alice")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.Edited || edited.Content == nil || *edited.Content != "final" {
		t.Fatalf("edit not applied: %+v", edited)
	}
	if edited.Seq != m.Seq || edited.CreatedAtMS != m.CreatedAtMS {
		t.Fatal("edit moved the message")
	}

	if _, err := l.Edit(ctx, m.ID, "hijack", "bob"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("non-sender edit: want Forbidden, got %v", err)
	}
	if _, err := l.Edit(ctx, "msg_missing", "x", "alice"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing message: want NotFound, got %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	m, err := l.Append(ctx, "conv1", "bob", Payload{Type: TypeText, Content: str("oops")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := l.SoftDelete(ctx, m.ID, "carol"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("outsider delete: want Forbidden, got %v", err)
	}

	// Conversation admin may delete another member's message.
	del, err := l.SoftDelete(ctx, m.ID, "alice")
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if !del.Deleted || del.Content != nil {
		t.Fatalf("delete did not redact: %+v", del)
	}

	if _, err := l.Edit(ctx, m.ID, "revive", "bob"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("edit of deleted: want NotFound, got %v", err)
	}

	// The slot survives in listings.
	msgs, _, err := l.ListSince(ctx, "conv1", "bob", Cursor{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Deleted || msgs[0].Content != nil {
		t.Fatalf("deleted slot missing or leaking content: %+v", msgs)
	}
}

func TestListSinceCursor(t *testing.T) {
	l := newTestLedger(t).ledger
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("m")}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []Message
	cur := Cursor{}
	for {
		page, next, err := l.ListSince(ctx, "conv1", "bob", cur, 3)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		cur = next
	}
	if len(got) != 7 {
		t.Fatalf("paged walk lost messages: got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAtMS < prev.CreatedAtMS ||
			(cur.CreatedAtMS == prev.CreatedAtMS && cur.ID <= prev.ID) {
			t.Fatalf("order broken at %d: %+v then %+v", i, prev, cur)
		}
	}

	if _, _, err := l.ListSince(ctx, "conv1", "carol", Cursor{}, 10); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("outsider list: want Forbidden, got %v", err)
	}
}

func TestAppendTouchesConversation(t *testing.T) {
	fx := newTestLedger(t)
	l, idstore := fx.ledger, fx.ids
	ctx := context.Background()

	before, err := idstore.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	m, err := l.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("bump")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	after, err := idstore.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if after.UpdatedAtMS < m.CreatedAtMS || after.UpdatedAtMS < before.UpdatedAtMS {
		t.Fatalf("updated_at did not advance: before=%d after=%d msg=%d",
			before.UpdatedAtMS, after.UpdatedAtMS, m.CreatedAtMS)
	}
}

func TestReconcileAfterSeqCollision(t *testing.T) {
	fx := newTestLedger(t)
	ctx := context.Background()

	if _, err := fx.ledger.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A fresh stamper on the same store stands in for a cold-started
	// allocator: its first stamp collides with the committed seq 1 and the
	// retry ladder has to re-base from the store.
	cold := New(fx.store, NewMemStamper(), fx.ids, nil)
	m, err := cold.Append(ctx, "conv1", "alice", Payload{Type: TypeText, Content: str("b")})
	if err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	if m.Seq != 2 {
		t.Fatalf("retry ladder did not re-base: got seq %d", m.Seq)
	}
}

package reconcile

import (
	"context"
	"sync"
	"testing"

	"convocore/module/events"
	"convocore/module/identity"
	"convocore/module/ledger"
	"convocore/service/natsx"
)

// memStream delivers changes synchronously to whoever is subscribed, close
// enough to core NATS for the reconciler's contract.
type memStream struct {
	mu   sync.Mutex
	subs map[string]map[int]func(context.Context, events.Change) error
	next int
}

func newMemStream() *memStream {
	return &memStream{subs: make(map[string]map[int]func(context.Context, events.Change) error)}
}

func (s *memStream) Subscribe(subject string, fn func(context.Context, events.Change) error) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[subject] == nil {
		s.subs[subject] = make(map[int]func(context.Context, events.Change) error)
	}
	s.next++
	id := s.next
	s.subs[subject][id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs[subject], id)
		s.mu.Unlock()
	}, nil
}

func (s *memStream) publish(subject string, ch events.Change) {
	s.mu.Lock()
	fns := make([]func(context.Context, events.Change) error, 0, len(s.subs[subject]))
	for _, fn := range s.subs[subject] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		_ = fn(context.Background(), ch)
	}
}

func (s *memStream) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.subs {
		n += len(m)
	}
	return n
}

type fixture struct {
	rec    *Reconciler
	stream *memStream
	idst   identity.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	idst := identity.NewMemStore()
	for _, u := range []string{"alice", "bob"} {
		if err := idst.CreateUser(ctx, identity.User{ID: u, DisplayName: u}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	if err := idst.InsertGroup(ctx, identity.Conversation{ID: "conv1", IsGroup: true, InviteCode: str2("RECOCODE"), CreatedBy: "alice"},
		[]identity.Participant{
			{ConversationID: "conv1", UserID: "alice", Role: identity.RoleAdmin},
			{ConversationID: "conv1", UserID: "bob", Role: identity.RoleMember},
		}); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	led := ledger.New(ledger.NewMemStore(), ledger.NewMemStamper(), idst, nil)
	stream := newMemStream()
	rec := NewReconciler("bob", stream, StoreFetcher{Identity: idst, Ledger: led})
	return fixture{rec: rec, stream: stream, idst: idst, ledger: led}
}

func str2(s string) *string { return &s }

func TestReconcilerAppliesStream(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.rec.OpenConversation(ctx, "conv1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	m, err := fx.ledger.Append(ctx, "conv1", "alice", ledger.Payload{Type: ledger.TypeText, Content: str2("hi")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	fx.stream.publish(events.SubjectConversation("conv1"), events.Change{
		Kind: events.KindMessage, Op: events.OpInsert,
		ConversationID: "conv1", Entity: m.Entity(), AtMS: m.CreatedAtMS,
	})

	got := fx.rec.View().Messages("conv1")
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("stream message not applied: %v", got)
	}
	if got[0].Content == nil || *got[0].Content != "hi" {
		t.Fatalf("entity decode lost content: %+v", got[0])
	}
}

func TestReconcilerRecoverRefetches(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.rec.OpenConversation(ctx, "conv1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Writes land while the stream is down; no notifications arrive.
	for i := 0; i < 3; i++ {
		if _, err := fx.ledger.Append(ctx, "conv1", "alice", ledger.Payload{Type: ledger.TypeText, Content: str2("missed")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := fx.rec.View().Messages("conv1"); len(got) != 0 {
		t.Fatalf("view should not see unnotified writes yet: %v", got)
	}

	if err := fx.rec.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := fx.rec.View().Messages("conv1"); len(got) != 3 {
		t.Fatalf("recovery missed messages: got %d", len(got))
	}
	if convs := fx.rec.View().Conversations(); len(convs) != 1 || convs[0].ID != "conv1" {
		t.Fatalf("recovery lost conversations: %v", convs)
	}
}

func TestReconcilerParticipantChangeReloadsList(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// bob gets added to a second conversation out of band.
	if err := fx.idst.InsertGroup(ctx, identity.Conversation{ID: "conv2", IsGroup: true, InviteCode: str2("RECO2NDC"), CreatedBy: "alice", UpdatedAtMS: 999},
		[]identity.Participant{
			{ConversationID: "conv2", UserID: "alice", Role: identity.RoleAdmin},
			{ConversationID: "conv2", UserID: "bob", Role: identity.RoleMember},
		}); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	fx.stream.publish(events.SubjectUser("bob"), events.Change{
		Kind: events.KindParticipant, Op: events.OpInsert,
		ConversationID: "conv2",
		Entity:         map[string]any{"conversation_id": "conv2", "user_id": "bob", "role": "member"},
	})

	convs := fx.rec.View().Conversations()
	if len(convs) != 2 {
		t.Fatalf("membership change did not reload the list: %v", convs)
	}
}

func TestReconcilerCloseTearsDownSubscriptions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.rec.OpenConversation(ctx, "conv1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if n := fx.stream.subscriberCount(); n != 2 {
		t.Fatalf("want 2 subscriptions, got %d", n)
	}

	fx.rec.Close()
	if n := fx.stream.subscriberCount(); n != 0 {
		t.Fatalf("close left %d subscriptions", n)
	}

	fx.stream.publish(events.SubjectConversation("conv1"), events.Change{
		Kind: events.KindMessage, Op: events.OpInsert,
		ConversationID: "conv1", Entity: map[string]any{"id": "msg_ghost", "conversation_id": "conv1"},
	})
	if got := fx.rec.View().Messages("conv1"); len(got) != 0 {
		t.Fatalf("closed reconciler still applying: %v", got)
	}

	if err := fx.rec.OpenConversation(ctx, "conv1"); err == nil {
		t.Fatal("subscribing on a closed reconciler must fail")
	}
}

func TestDecodeChangeUnwrapsEnvelope(t *testing.T) {
	var got []events.Change
	h := decodeChange(func(_ context.Context, ch events.Change) error {
		got = append(got, ch)
		return nil
	})

	ch := events.Change{
		ID: "n1", Kind: events.KindMessage, Op: events.OpInsert,
		ConversationID: "conv1", AtMS: 5,
		Entity: map[string]any{"id": "msg_1", "conversation_id": "conv1"},
	}
	data, err := ch.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h(context.Background(), natsx.Message{Subject: "cc.conv.conv1", Data: data}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(got) != 1 || got[0].ID != "n1" || got[0].Kind != events.KindMessage {
		t.Fatalf("envelope did not round-trip: %+v", got)
	}
	if got[0].Entity["id"] != "msg_1" {
		t.Fatalf("entity lost in transit: %+v", got[0].Entity)
	}

	// Junk on the wire is dropped, not surfaced as a handler error.
	if err := h(context.Background(), natsx.Message{Subject: "cc.conv.conv1", Data: []byte("{")}); err != nil {
		t.Fatalf("junk payload must be swallowed, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("junk payload reached the callback: %+v", got)
	}
}

package reconcile

import (
	"errors"
	"testing"

	"convocore/module/identity"
	"convocore/module/ledger"
	"convocore/tools/errs"
)

func str(s string) *string { return &s }

func msg(id, conv string, ts int64) ledger.Message {
	return ledger.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		Type:           ledger.TypeText,
		Content:        str("m"),
		CreatedAtMS:    ts,
		UpdatedAtMS:    ts,
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestApplyMessageIdempotent(t *testing.T) {
	v := NewView()
	m := msg("msg_1", "conv1", 100)
	for i := 0; i < 3; i++ {
		v.ApplyMessage(m)
	}
	if got := v.Messages("conv1"); len(got) != 1 {
		t.Fatalf("replayed apply duplicated the row: %v", ids(got))
	}
}

func TestApplyMessageOrdering(t *testing.T) {
	v := NewView()
	// Out-of-order delivery, including a timestamp tie broken by ID.
	v.ApplyMessage(msg("msg_c", "conv1", 300))
	v.ApplyMessage(msg("msg_a", "conv1", 100))
	v.ApplyMessage(msg("msg_b2", "conv1", 200))
	v.ApplyMessage(msg("msg_b1", "conv1", 200))

	got := ids(v.Messages("conv1"))
	want := []string{"msg_a", "msg_b1", "msg_b2", "msg_c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v want %v", got, want)
		}
	}
}

func TestApplyMessageUpdateInPlace(t *testing.T) {
	v := NewView()
	v.ApplyMessage(msg("msg_1", "conv1", 100))
	v.ApplyMessage(msg("msg_2", "conv1", 200))

	edited := msg("msg_1", "conv1", 100)
	edited.Edited = true
	edited.Content = str("fixed")
	v.ApplyMessage(edited)

	got := v.Messages("conv1")
	if len(got) != 2 || got[0].ID != "msg_1" || !got[0].Edited {
		t.Fatalf("update moved or duplicated the row: %v", got)
	}
}

func TestOptimisticConfirmReplacesInPlace(t *testing.T) {
	v := NewView()
	v.ApplyMessage(msg("msg_1", "conv1", 100))

	staged := msg("tmp_1", "conv1", 150)
	staged.ClientMsgID = "c-1"
	v.StageMessage(staged)

	confirmed := msg("msg_2", "conv1", 160)
	confirmed.ClientMsgID = "c-1"
	if err := v.ConfirmStage("tmp_1", confirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got := v.Messages("conv1")
	if len(got) != 2 {
		t.Fatalf("confirm appended instead of replacing: %v", ids(got))
	}
	if got[1].ID != "msg_2" || got[1].Pending {
		t.Fatalf("confirmed entry wrong: %+v", got[1])
	}
}

func TestStreamConfirmByClientID(t *testing.T) {
	v := NewView()
	staged := msg("tmp_1", "conv1", 150)
	staged.ClientMsgID = "c-1"
	v.StageMessage(staged)

	// The stream delivers the authoritative row before ConfirmStage runs.
	confirmed := msg("msg_9", "conv1", 155)
	confirmed.ClientMsgID = "c-1"
	v.ApplyMessage(confirmed)

	got := v.Messages("conv1")
	if len(got) != 1 || got[0].ID != "msg_9" || got[0].Pending {
		t.Fatalf("stream confirm did not replace the staged entry: %v", got)
	}

	// The late explicit confirm finds the temp entry gone and the real row
	// present; a converged view is not an error, and it must not duplicate.
	if err := v.ConfirmStage("tmp_1", confirmed); err != nil {
		t.Fatalf("late confirm after stream delivery: %v", err)
	}
	if got := v.Messages("conv1"); len(got) != 1 {
		t.Fatalf("late confirm duplicated: %v", ids(got))
	}
}

func TestDropStage(t *testing.T) {
	v := NewView()
	staged := msg("tmp_1", "conv1", 150)
	v.StageMessage(staged)

	cause := errs.ErrTransient.WrapMsg("store down")
	if err := v.DropStage("conv1", "tmp_1", cause); !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("drop must surface the cause, got %v", err)
	}
	if got := v.Messages("conv1"); len(got) != 0 {
		t.Fatalf("staged entry left behind: %v", ids(got))
	}
}

func TestConversationReorderToHead(t *testing.T) {
	v := NewView()
	mk := func(id string, at int64) identity.Conversation {
		return identity.Conversation{ID: id, IsGroup: true, CreatedBy: "alice", UpdatedAtMS: at}
	}
	v.ResetConversations([]identity.Conversation{mk("c1", 300), mk("c2", 200), mk("c3", 100)})

	// c3 gets a new message; it moves to the head, c1/c2 keep their order.
	v.ApplyConversation(mk("c3", 400))
	got := v.Conversations()
	want := []string{"c3", "c1", "c2"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("reorder: got %s at %d, want %v", got[i].ID, i, want)
		}
	}

	// Re-applying the same notification changes nothing.
	v.ApplyConversation(mk("c3", 400))
	got = v.Conversations()
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("replayed reorder moved things: got %s at %d", got[i].ID, i)
		}
	}
}

func TestResetMessagesKeepsPending(t *testing.T) {
	v := NewView()
	staged := msg("tmp_1", "conv1", 500)
	staged.ClientMsgID = "c-1"
	v.StageMessage(staged)

	v.ResetMessages("conv1", []ledger.Message{msg("msg_1", "conv1", 100)})
	got := v.Messages("conv1")
	if len(got) != 2 || !got[1].Pending {
		t.Fatalf("recovery dropped the pending entry: %v", got)
	}

	// If the server already knows the send, the pending entry is absorbed.
	confirmed := msg("msg_2", "conv1", 510)
	confirmed.ClientMsgID = "c-1"
	v.ResetMessages("conv1", []ledger.Message{msg("msg_1", "conv1", 100), confirmed})
	got = v.Messages("conv1")
	if len(got) != 2 || got[1].ID != "msg_2" || got[1].Pending {
		t.Fatalf("recovery kept a confirmed pending entry: %v", got)
	}
}

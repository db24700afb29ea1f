package reconcile

import (
	"context"

	"convocore/module/identity"
	"convocore/module/ledger"
)

const fetchPage = 200

// StoreFetcher reads authoritative state through the same services the
// HTTP surface uses, so recovery sees exactly what a fresh client would.
type StoreFetcher struct {
	Identity identity.Store
	Ledger   *ledger.Ledger
}

func (f StoreFetcher) Conversations(ctx context.Context, userID string) ([]identity.Conversation, error) {
	return f.Identity.ListConversationsForUser(ctx, userID)
}

func (f StoreFetcher) Messages(ctx context.Context, convID, userID string) ([]ledger.Message, error) {
	var out []ledger.Message
	cur := ledger.Cursor{}
	for {
		page, next, err := f.Ledger.ListSince(ctx, convID, userID, cur, fetchPage)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < fetchPage {
			return out, nil
		}
		cur = next
	}
}

package identity

import "context"

// Store is the canonical record of users, conversations and participant
// roles. Implementations own atomicity: every method that the spec calls a
// race (direct-pair creation, last-admin protection, idempotent joins) is a
// single atomic operation here, never a read-then-write at the caller.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	SearchByHandle(ctx context.Context, handle string) ([]User, error)

	// InsertDirect atomically creates the direct conversation plus both
	// participant rows, or, when the pair key already exists, returns the
	// surviving conversation. created=false means the caller lost the race
	// (or the conversation predates the call) and was redirected.
	InsertDirect(ctx context.Context, conv Conversation, caller, peer Participant) (winner Conversation, created bool, err error)

	// InsertGroup creates the conversation and all membership rows in one
	// transaction. A unique-code collision returns Conflict so the resolver
	// can regenerate and retry.
	InsertGroup(ctx context.Context, conv Conversation, parts []Participant) error

	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindByInviteCode(ctx context.Context, code string) (Conversation, error)

	// AddParticipant inserts idempotently; added=false means the row was
	// already there (same role and join time retained).
	AddParticipant(ctx context.Context, p Participant) (added bool, err error)

	ListParticipants(ctx context.Context, convID string) ([]Participant, error)
	RoleOf(ctx context.Context, convID, userID string) (Role, bool, error)

	// UpdateRoleGuarded re-checks the at-least-one-admin invariant at commit
	// time: a demotion that would leave zero admins fails with
	// InvariantViolation even if a stale read said otherwise.
	UpdateRoleGuarded(ctx context.Context, convID, userID string, newRole Role) (Participant, error)

	// RemoveParticipantGuarded removes under the same commit-time guard.
	// Removing the last participant of any kind is allowed; the conversation
	// row stays.
	RemoveParticipantGuarded(ctx context.Context, convID, userID string) error

	// TouchConversation advances updated_at monotonically (never backwards).
	TouchConversation(ctx context.Context, convID string, atMS int64) (Conversation, error)

	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
}

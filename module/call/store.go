package call

import "context"

// Store persists call sessions. The single-live-session rule and the
// no-join-after-end rule live here as atomic operations, not as caller-side
// read checks.
type Store interface {
	// InsertSession creates the session plus the caller's participant row.
	// A second non-ended session for the same conversation fails Conflict.
	InsertSession(ctx context.Context, s Session, caller Participant) error

	GetSession(ctx context.Context, id string) (Session, error)

	// FindLive returns the conversation's non-ended session, NotFound if the
	// line is free.
	FindLive(ctx context.Context, convID string) (Session, error)

	// AddParticipant inserts idempotently; added=false means the user was
	// already in. Fails Gone when the session has ended, checked in the same
	// statement as the insert.
	AddParticipant(ctx context.Context, p Participant) (added bool, err error)

	HasParticipant(ctx context.Context, sessionID, userID string) (bool, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)

	// Activate flips ringing to active. flipped=false when the session was
	// already active or ended; the returned session is current either way.
	Activate(ctx context.Context, sessionID string) (s Session, flipped bool, err error)

	// EndSession sets ended and the end timestamp. ok=false means the
	// session was already ended.
	EndSession(ctx context.Context, sessionID string, atMS int64) (s Session, ok bool, err error)
}

package board

import "context"

// Record is the persisted representation of a session: its identity,
// creation time, and element sequence. The subscriber set is never
// persisted.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt int64     `json:"createdAt"`
	Elements  []Element `json:"elements"`
}

// Store is the durable element store abstraction a Session persists
// through. board/store provides a bbolt-backed implementation; Session
// only depends on this interface so it can be tested against an in-memory
// fake.
type Store interface {
	// Get loads a session record. It returns ErrSessionNotFound if no
	// record exists for id.
	Get(ctx context.Context, id string) (*Record, error)

	// Put writes rec, creating or overwriting the record for rec.ID.
	Put(ctx context.Context, rec *Record) error

	// Keys enumerates every session identifier with a persisted record.
	Keys(ctx context.Context) ([]string, error)
}

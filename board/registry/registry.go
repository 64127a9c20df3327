// Package registry implements the process-wide session registry:
// id -> *board.Session, lazy rehydration from the durable store, creation
// on first reference, and deferred eviction of idle sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kanvas/boardserver/board"
	"github.com/kanvas/boardserver/board/idgen"
	"github.com/kanvas/boardserver/slogger"
)

// EvictionDelay is how long a session must sit with zero subscribers
// before it is dropped from the registry. The persisted record survives
// eviction.
const EvictionDelay = 60 * time.Second

// Registry owns id -> *board.Session. The map lock is held only for
// lookup/insert, never across store or subscriber I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*board.Session
	timers   map[string]*time.Timer

	store         board.Store
	ids           board.IDGenerator
	logger        slogger.Logger
	evictionDelay time.Duration
}

// Options configures a new Registry.
type Options struct {
	Store         board.Store
	IDs           board.IDGenerator
	Logger        slogger.Logger
	EvictionDelay time.Duration // defaults to EvictionDelay
}

// New creates a Registry backed by the given durable store.
func New(opts Options) *Registry {
	ids := opts.IDs
	if ids == nil {
		ids = idgen.Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	delay := opts.EvictionDelay
	if delay <= 0 {
		delay = EvictionDelay
	}
	return &Registry{
		sessions:      make(map[string]*board.Session),
		timers:        make(map[string]*time.Timer),
		store:         opts.Store,
		ids:           ids,
		logger:        logger,
		evictionDelay: delay,
	}
}

// GetOrCreate returns the in-memory Session for id, rehydrating it from
// the store or creating a fresh empty one if neither exists. Any pending
// eviction timer for id is cancelled — re-entry supersedes eviction.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*board.Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		r.cancelEvictionLocked(id)
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, board.ErrSessionNotFound) {
		now := time.Now().UnixMilli()
		rec = &board.Record{ID: id, CreatedAt: now, Elements: []board.Element{}}
		if putErr := r.store.Put(ctx, rec); putErr != nil {
			return nil, fmt.Errorf("create session %s: %w", id, putErr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	return r.install(id, rec), nil
}

// Get returns the in-memory Session for id only if either the registry or
// the store already has a record for it. It does not create anything, but
// like GetOrCreate it counts as a re-reference: any pending eviction
// timer for id is cancelled.
func (r *Registry) Get(ctx context.Context, id string) (*board.Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		r.cancelEvictionLocked(id)
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err // includes board.ErrSessionNotFound
	}
	return r.install(id, rec), nil
}

// install registers a freshly loaded/created Session in the map. Callers
// must not hold r.mu.
func (r *Registry) install(id string, rec *board.Record) *board.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		// Lost a race with a concurrent GetOrCreate/Get for the same id;
		// the winner's Session is authoritative.
		return sess
	}
	sess := board.New(rec.ID, rec.CreatedAt, rec.Elements, board.Options{
		Store:   r.store,
		IDs:     r.ids,
		Logger:  r.logger,
		OnEmpty: r.ScheduleEviction,
	})
	r.sessions[id] = sess
	return sess
}

// ScheduleEviction arms a delayed eviction for id. If the session still
// has zero subscribers when the timer fires, it is dropped from the map
// (the store copy is untouched). Called by board.Session itself via its
// OnEmpty hook whenever the last subscriber detaches.
func (r *Registry) ScheduleEviction(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelEvictionLocked(id)
	r.timers[id] = time.AfterFunc(r.evictionDelay, func() {
		r.evict(id)
	})
}

func (r *Registry) cancelEvictionLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	// SubscriberCount round-trips through the session's actor goroutine;
	// never call it while holding r.mu.
	if sess.SubscriberCount() > 0 {
		// A new subscriber attached between the timer firing and this
		// check; leave the session in place.
		return
	}

	r.mu.Lock()
	if current, ok := r.sessions[id]; !ok || current != sess {
		// Evicted or replaced already.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	delete(r.timers, id)
	r.mu.Unlock()

	r.logger.Info("evicting idle session", "session", id)
	sess.Stop()
}

// Loaded reports whether id currently has a live in-memory Session,
// distinguishing "session not loaded" from "session does not exist".
func (r *Registry) Loaded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Exists reports whether id has a persisted record, loaded or not.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	if r.Loaded(id) {
		return true, nil
	}
	_, err := r.store.Get(ctx, id)
	if errors.Is(err, board.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown stops every currently loaded session's actor goroutine. Used
// at process shutdown; it does not touch the store.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*board.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	r.sessions = make(map[string]*board.Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}

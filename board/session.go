package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kanvas/boardserver/slogger"
)

// IDGenerator mints opaque identifiers for elements and users. Session
// takes one as a dependency so board/idgen's random-token generator can be
// swapped for a deterministic one in tests.
type IDGenerator interface {
	NewElementID() string
	NewUserID() string
}

// Session concentrates all mutation for one whiteboard at a single
// serialization point. Every exported method submits a closure to an
// internal command channel drained by one goroutine (run), so the element
// sequence, the persistence write, and the subscriber broadcast for a
// given operation always happen in the same total order that other
// operations observe.
type Session struct {
	ID        string
	CreatedAt int64

	store   Store
	ids     IDGenerator
	logger  slogger.Logger
	onEmpty func(sessionID string) // registry eviction hook, called when the last subscriber detaches

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}

	// Actor-owned state. Never touched outside the run loop.
	elements []Element
	subs     map[string]*Subscriber
}

// Options configures a new Session.
type Options struct {
	Store   Store
	IDs     IDGenerator
	Logger  slogger.Logger
	OnEmpty func(sessionID string)
}

// New starts a Session's actor goroutine for an already-known id/createdAt
// and element sequence (typically from a registry rehydrate or fresh
// creation). Call Stop when the session is evicted from the registry.
func New(id string, createdAt int64, elements []Element, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	s := &Session{
		ID:        id,
		CreatedAt: createdAt,
		store:     opts.Store,
		ids:       opts.IDs,
		logger:    logger.With("session", id),
		onEmpty:   opts.OnEmpty,
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		elements:  append([]Element(nil), elements...),
		subs:      make(map[string]*Subscriber),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.quit:
			return
		}
	}
}

// Stop terminates the actor goroutine. Any pending subscribers are left
// untouched — the registry is expected to have already evicted a session
// with zero subscribers before stopping it. Safe to call more than once.
func (s *Session) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.stopped
}

// submit runs fn on the actor goroutine and blocks until it completes. If
// the session has already been stopped, fn does not run and submit
// returns false.
func (s *Session) submit(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.cmds <- func() {
		fn()
		close(done)
	}:
		<-done
		return true
	case <-s.quit:
		return false
	}
}

// Snapshot is a point-in-time copy of a session's elements and subscriber
// count, used for HTTP reads.
type Snapshot struct {
	Elements  []Element
	UserCount int
}

// Snapshot returns a consistent view of the session's element sequence and
// live subscriber count.
func (s *Session) Snapshot() Snapshot {
	var out Snapshot
	s.submit(func() {
		out.Elements = cloneElements(s.elements)
		out.UserCount = len(s.subs)
	})
	return out
}

// Element looks up a single element by id for the HTTP element-read path.
func (s *Session) Element(elementID string) (Element, error) {
	var (
		found Element
		err   error
	)
	if !s.submit(func() {
		idx := s.indexOf(elementID)
		if idx < 0 {
			err = ErrElementNotFound
			return
		}
		found = s.elements[idx].Clone()
	}) {
		return nil, ErrSessionStopped
	}
	return found, err
}

func (s *Session) indexOf(elementID string) int {
	for i, e := range s.elements {
		if e.ID() == elementID {
			return i
		}
	}
	return -1
}

func cloneElements(in []Element) []Element {
	out := make([]Element, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

// persist durably writes the current element sequence. Must be called
// from inside the actor goroutine.
func (s *Session) persist(ctx context.Context) error {
	rec := &Record{ID: s.ID, CreatedAt: s.CreatedAt, Elements: cloneElements(s.elements)}
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

// broadcast serializes frame once and enqueues it to every subscriber
// except (when non-nil) the origin. Subscribers whose queue overflows are
// torn down via detachLocked once the broadcast loop completes. Must be
// called from inside the actor goroutine.
func (s *Session) broadcast(frame Frame, except *Subscriber) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to encode broadcast frame", "error", err)
		return
	}
	var overflowed []*Subscriber
	for _, sub := range s.subs {
		if except != nil && sub == except {
			continue
		}
		if !sub.Enqueue(data) {
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		s.logger.Warn("subscriber outbound queue overflowed, closing", "user", sub.UserID)
		s.detachLocked(sub)
	}
}

// ApplyCreate appends a new element to the sequence: a fresh id is
// assigned if the caller supplied none, createdBy/timestamp are stamped,
// the record is persisted, and a draw frame is broadcast.
func (s *Session) ApplyCreate(ctx context.Context, element Element, origin *Subscriber) (Element, error) {
	var (
		result Element
		err    error
	)
	if !s.submit(func() {
		result, err = s.applyCreateLocked(ctx, element, origin)
	}) {
		return nil, ErrSessionStopped
	}
	return result, err
}

func (s *Session) applyCreateLocked(ctx context.Context, element Element, origin *Subscriber) (Element, error) {
	stamped := element.Clone()
	if stamped.ID() == "" {
		stamped.SetID(s.ids.NewElementID())
	}
	stamped["createdBy"] = createdByFor(origin)
	stamped["timestamp"] = nowMillis()

	candidate := append(cloneElements(s.elements), stamped)
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	s.broadcast(newDrawFrame(stamped), origin)
	return stamped, nil
}

// ApplyCreateBatch appends every element in input order, writes the store
// exactly once for the whole batch, and emits one draw frame per element
// with no interleaving from other operations (guaranteed by the actor's
// total order).
func (s *Session) ApplyCreateBatch(ctx context.Context, elements []Element, origin *Subscriber) ([]Element, error) {
	var (
		result []Element
		err    error
	)
	if !s.submit(func() {
		result, err = s.applyCreateBatchLocked(ctx, elements, origin)
	}) {
		return nil, ErrSessionStopped
	}
	return result, err
}

func (s *Session) applyCreateBatchLocked(ctx context.Context, elements []Element, origin *Subscriber) ([]Element, error) {
	stampedBatch := make([]Element, len(elements))
	candidate := cloneElements(s.elements)
	for i, element := range elements {
		stamped := element.Clone()
		if stamped.ID() == "" {
			stamped.SetID(s.ids.NewElementID())
		}
		stamped["createdBy"] = createdByFor(origin)
		stamped["timestamp"] = nowMillis()
		stampedBatch[i] = stamped
		candidate = append(candidate, stamped)
	}
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	for _, stamped := range stampedBatch {
		s.broadcast(newDrawFrame(stamped), origin)
	}
	return stampedBatch, nil
}

// ApplyUpdate overlays patch onto the existing record, force-preserving
// "id" and stamping updatedBy/updatedAt. Subscribers always receive a
// "move" frame, even when patch contains no geometric field: a single
// notification channel serves both drags and attribute edits.
func (s *Session) ApplyUpdate(ctx context.Context, elementID string, patch map[string]any, origin *Subscriber) (Element, error) {
	var (
		result Element
		err    error
	)
	if !s.submit(func() {
		result, err = s.applyUpdateLocked(ctx, elementID, patch, origin)
	}) {
		return nil, ErrSessionStopped
	}
	return result, err
}

func (s *Session) applyUpdateLocked(ctx context.Context, elementID string, patch map[string]any, origin *Subscriber) (Element, error) {
	idx := s.indexOf(elementID)
	if idx < 0 {
		return nil, ErrElementNotFound
	}
	merged, err := MergeElement(s.elements[idx], patch)
	if err != nil {
		return nil, fmt.Errorf("merge element %s: %w", elementID, err)
	}
	merged.SetID(elementID)
	merged["updatedBy"] = createdByFor(origin)
	merged["updatedAt"] = nowMillis()

	candidate := cloneElements(s.elements)
	candidate[idx] = merged
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	s.broadcast(newMoveFrame(elementID, merged), origin)
	return merged, nil
}

// ApplyDelete removes the element with the given id, persists, and
// broadcasts an erase frame.
func (s *Session) ApplyDelete(ctx context.Context, elementID string, origin *Subscriber) error {
	var err error
	if !s.submit(func() {
		err = s.applyDeleteLocked(ctx, elementID, origin)
	}) {
		return ErrSessionStopped
	}
	return err
}

func (s *Session) applyDeleteLocked(ctx context.Context, elementID string, origin *Subscriber) error {
	idx := s.indexOf(elementID)
	if idx < 0 {
		return ErrElementNotFound
	}
	candidate := append(cloneElements(s.elements[:idx]), cloneElements(s.elements[idx+1:])...)
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return err
	}
	s.broadcast(newEraseFrame(elementID), origin)
	return nil
}

// ApplyClear empties the element sequence, persists, and broadcasts a
// clear frame.
func (s *Session) ApplyClear(ctx context.Context, origin *Subscriber) error {
	var err error
	if !s.submit(func() {
		err = s.applyClearLocked(ctx, origin)
	}) {
		return ErrSessionStopped
	}
	return err
}

func (s *Session) applyClearLocked(ctx context.Context, origin *Subscriber) error {
	if err := s.persistCandidate(ctx, []Element{}); err != nil {
		return err
	}
	s.broadcast(newClearFrame(), origin)
	return nil
}

// ApplyMove is like ApplyUpdate, but the origin supplies the full
// replacement element body rather than a partial patch, and the stamp is
// movedBy/movedAt.
func (s *Session) ApplyMove(ctx context.Context, elementID string, replacement Element, origin *Subscriber) (Element, error) {
	var (
		result Element
		err    error
	)
	if !s.submit(func() {
		result, err = s.applyMoveLocked(ctx, elementID, replacement, origin)
	}) {
		return nil, ErrSessionStopped
	}
	return result, err
}

func (s *Session) applyMoveLocked(ctx context.Context, elementID string, replacement Element, origin *Subscriber) (Element, error) {
	idx := s.indexOf(elementID)
	if idx < 0 {
		return nil, ErrElementNotFound
	}
	moved := replacement.Clone()
	moved.SetID(elementID)
	moved["movedBy"] = createdByFor(origin)
	moved["movedAt"] = nowMillis()

	candidate := cloneElements(s.elements)
	candidate[idx] = moved
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	s.broadcast(newMoveFrame(elementID, moved), origin)
	return moved, nil
}

// ApplyReorder moves the element to the end of the sequence ("front") or
// the start ("back"). An unrecognized position value is a no-op: the
// element sequence is unchanged and no frame is broadcast.
func (s *Session) ApplyReorder(ctx context.Context, elementID, position string, origin *Subscriber) error {
	var err error
	if !s.submit(func() {
		err = s.applyReorderLocked(ctx, elementID, position, origin)
	}) {
		return ErrSessionStopped
	}
	return err
}

func (s *Session) applyReorderLocked(ctx context.Context, elementID, position string, origin *Subscriber) error {
	idx := s.indexOf(elementID)
	if idx < 0 {
		// "remove element from the sequence (no-op if not present)"
		return nil
	}
	el := s.elements[idx]
	rest := append(cloneElements(s.elements[:idx]), cloneElements(s.elements[idx+1:])...)

	var candidate []Element
	switch position {
	case "front":
		candidate = append(rest, el)
	case "back":
		candidate = append([]Element{el}, rest...)
	default:
		return nil
	}
	if err := s.persistCandidate(ctx, candidate); err != nil {
		return err
	}
	s.broadcast(newReorderFrame(elementID, position), origin)
	return nil
}

// RelayCursor broadcasts a cursor frame to every subscriber except the
// origin. It neither mutates nor persists, but it is ordered with respect
// to mutations at the serialization point, so a cursor observed after a
// move correlates with the post-move geometry.
func (s *Session) RelayCursor(userID string, x, y float64, origin *Subscriber) {
	s.submit(func() {
		s.broadcast(newCursorFrame(userID, x, y), origin)
	})
}

// Attach registers a new subscriber, sends it an init frame carrying the
// current snapshot, and then broadcasts userCount to everyone including
// the new subscriber — both within the same actor tick, so the init
// snapshot and the userCount it's paired with reflect the same
// serialization point.
func (s *Session) Attach(sub *Subscriber) {
	s.submit(func() {
		s.subs[sub.UserID] = sub
		init := newInitFrame(cloneElements(s.elements), sub.UserID, len(s.subs))
		data, err := json.Marshal(init)
		if err != nil {
			s.logger.Error("failed to encode init frame", "error", err)
		} else if !sub.Enqueue(data) {
			s.logger.Warn("new subscriber queue rejected init frame", "user", sub.UserID)
		}
		s.broadcast(newUserCountFrame(len(s.subs)), nil)
	})
}

// Detach removes sub from the subscriber set, broadcasts userCount and
// userLeft to the remainder, then arms eviction if the session is now
// empty.
func (s *Session) Detach(sub *Subscriber) {
	s.submit(func() {
		s.detachLocked(sub)
	})
}

func (s *Session) detachLocked(sub *Subscriber) {
	if _, ok := s.subs[sub.UserID]; !ok {
		return
	}
	delete(s.subs, sub.UserID)
	sub.Close()
	s.broadcast(newUserCountFrame(len(s.subs)), nil)
	s.broadcast(newUserLeftFrame(sub.UserID), nil)
	if len(s.subs) == 0 && s.onEmpty != nil {
		s.onEmpty(s.ID)
	}
}

// SubscriberCount returns the current number of attached subscribers.
func (s *Session) SubscriberCount() int {
	var n int
	s.submit(func() {
		n = len(s.subs)
	})
	return n
}

func (s *Session) persistCandidate(ctx context.Context, candidate []Element) error {
	prev := s.elements
	s.elements = candidate
	if err := s.persist(ctx); err != nil {
		s.elements = prev
		return err
	}
	return nil
}

func createdByFor(origin *Subscriber) string {
	if origin == nil {
		return "api"
	}
	return origin.UserID
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalFrame(data []byte, f *Frame) error {
	return json.Unmarshal(data, f)
}

// memStore is a minimal in-memory Store used by these tests to avoid
// depending on board/store (which itself depends on board, and would
// make this an import cycle).
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (m *memStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *rec
	cp.Elements = cloneElements(rec.Elements)
	return &cp, nil
}

func (m *memStore) Put(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Elements = cloneElements(rec.Elements)
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys, nil
}

// failingStore always fails Put, to exercise the persistence-failure path.
type failingStore struct{ *memStore }

func (f failingStore) Put(ctx context.Context, rec *Record) error {
	return fmt.Errorf("simulated disk failure")
}

// seqIDs hands out deterministic, incrementing identifiers for tests that
// need to assert on exact IDs.
type seqIDs struct {
	mu   sync.Mutex
	next int
}

func (s *seqIDs) NewElementID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("el-%d", s.next)
}

func (s *seqIDs) NewUserID() string {
	return "user-0"
}

func newTestSession(t *testing.T, store Store) *Session {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	sess := New("room1", 1000, nil, Options{Store: store, IDs: &seqIDs{}})
	t.Cleanup(sess.Stop)
	return sess
}

func TestApplyCreateAssignsIDAndStamps(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()

	el, err := sess.ApplyCreate(ctx, Element{"type": "rectangle", "x": 1.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "el-1", el.ID())
	assert.Equal(t, "api", el["createdBy"])
	assert.NotNil(t, el["timestamp"])

	snap := sess.Snapshot()
	assert.Len(t, snap.Elements, 1)
}

func TestApplyCreatePreservesClientSuppliedID(t *testing.T) {
	sess := newTestSession(t, nil)
	el, err := sess.ApplyCreate(context.Background(), Element{"type": "circle", "id": "client-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "client-1", el.ID())
}

func TestDurabilityPersistsBeforeAcknowledging(t *testing.T) {
	store := newMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	_, err := sess.ApplyCreate(ctx, Element{"type": "rectangle"}, nil)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "room1")
	require.NoError(t, err)
	assert.Len(t, rec.Elements, 1, "persisted record must reflect the mutation once ApplyCreate returns")
}

func TestPersistenceFailureRefusesMutationAndLeavesStateUnchanged(t *testing.T) {
	store := newMemStore()
	sess := newTestSession(t, failingStore{store})
	ctx := context.Background()

	_, err := sess.ApplyCreate(ctx, Element{"type": "rectangle"}, nil)
	assert.Error(t, err)

	snap := sess.Snapshot()
	assert.Empty(t, snap.Elements, "a failed persist must roll back the speculative in-memory state")
}

func TestApplyCreateBatchPersistsOnceAndPreservesOrder(t *testing.T) {
	store := newMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	stored, err := sess.ApplyCreateBatch(ctx, []Element{
		{"type": "rectangle"},
		{"type": "circle"},
		{"type": "text"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, ElementRectangle, stored[0].Type())
	assert.Equal(t, ElementCircle, stored[1].Type())
	assert.Equal(t, ElementText, stored[2].Type())

	snap := sess.Snapshot()
	assert.Len(t, snap.Elements, 3)
}

func TestApplyUpdateMergesAndForcesID(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()

	el, err := sess.ApplyCreate(ctx, Element{"type": "rectangle", "x": 1.0, "exotic": "keepme"}, nil)
	require.NoError(t, err)

	merged, err := sess.ApplyUpdate(ctx, el.ID(), map[string]any{"x": 99.0, "id": "attacker-supplied"}, nil)
	require.NoError(t, err)
	assert.Equal(t, el.ID(), merged.ID(), "id must be force-preserved, not overwritten by the patch")
	assert.Equal(t, 99.0, merged["x"])
	assert.Equal(t, "keepme", merged["exotic"], "fields the patch does not mention must survive")
}

func TestApplyUpdateNotFound(t *testing.T) {
	sess := newTestSession(t, nil)
	_, err := sess.ApplyUpdate(context.Background(), "missing", map[string]any{"x": 1.0}, nil)
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestApplyDeleteRemovesElement(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()
	el, err := sess.ApplyCreate(ctx, Element{"type": "rectangle"}, nil)
	require.NoError(t, err)

	require.NoError(t, sess.ApplyDelete(ctx, el.ID(), nil))
	_, err = sess.Element(el.ID())
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestApplyClearEmptiesSequence(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()
	_, err := sess.ApplyCreateBatch(ctx, []Element{{"type": "rectangle"}, {"type": "circle"}}, nil)
	require.NoError(t, err)

	require.NoError(t, sess.ApplyClear(ctx, nil))
	assert.Empty(t, sess.Snapshot().Elements)
}

func TestApplyReorderFrontAndBack(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()
	stored, err := sess.ApplyCreateBatch(ctx, []Element{
		{"type": "rectangle"}, {"type": "circle"}, {"type": "text"},
	}, nil)
	require.NoError(t, err)
	first, second, third := stored[0].ID(), stored[1].ID(), stored[2].ID()

	require.NoError(t, sess.ApplyReorder(ctx, first, "front", nil))
	ids := elementIDs(sess.Snapshot().Elements)
	assert.Equal(t, []string{second, third, first}, ids)

	require.NoError(t, sess.ApplyReorder(ctx, third, "back", nil))
	ids = elementIDs(sess.Snapshot().Elements)
	assert.Equal(t, []string{third, second, first}, ids)
}

func TestApplyReorderUnrecognizedPositionIsNoOp(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()
	el, err := sess.ApplyCreate(ctx, Element{"type": "rectangle"}, nil)
	require.NoError(t, err)

	require.NoError(t, sess.ApplyReorder(ctx, el.ID(), "sideways", nil))
	assert.Equal(t, []string{el.ID()}, elementIDs(sess.Snapshot().Elements))
}

func TestApplyReorderMissingElementIsNoOp(t *testing.T) {
	sess := newTestSession(t, nil)
	assert.NoError(t, sess.ApplyReorder(context.Background(), "missing", "front", nil))
}

func elementIDs(elements []Element) []string {
	ids := make([]string, len(elements))
	for i, e := range elements {
		ids[i] = e.ID()
	}
	return ids
}

func TestBroadcastExcludesOriginOnMutation(t *testing.T) {
	sess := newTestSession(t, nil)
	a := NewSubscriber("a", "room1", 8)
	b := NewSubscriber("b", "room1", 8)
	sess.Attach(a)
	drainN(t, a, 1) // init
	drainN(t, a, 1) // userCount(1)
	sess.Attach(b)
	drainN(t, b, 1) // init
	drainN(t, b, 1) // userCount(2)
	drainN(t, a, 1) // userCount(2) seen by a

	_, err := sess.ApplyCreate(context.Background(), Element{"type": "rectangle"}, a)
	require.NoError(t, err)

	frame := drainN(t, b, 1)[0]
	assert.Equal(t, string(FrameDraw), frame["type"])

	select {
	case <-a.Outbox():
		t.Fatal("origin subscriber must not receive its own draw frame")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHTTPOriginBroadcastsToAllSubscribers(t *testing.T) {
	sess := newTestSession(t, nil)
	a := NewSubscriber("a", "room1", 8)
	sess.Attach(a)
	drainN(t, a, 1) // init
	drainN(t, a, 1) // userCount

	_, err := sess.ApplyCreate(context.Background(), Element{"type": "rectangle"}, nil)
	require.NoError(t, err)

	frame := drainN(t, a, 1)[0]
	assert.Equal(t, string(FrameDraw), frame["type"], "an HTTP-origin (nil) edit must reach every subscriber, including ones that would be excluded if they were the origin")
}

func TestRelayCursorDoesNotPersist(t *testing.T) {
	store := newMemStore()
	sess := newTestSession(t, store)
	a := NewSubscriber("a", "room1", 8)
	b := NewSubscriber("b", "room1", 8)
	sess.Attach(a)
	drainN(t, a, 2)
	sess.Attach(b)
	drainN(t, b, 2)
	drainN(t, a, 1)

	sess.RelayCursor("a", 5, 6, a)

	frame := drainN(t, b, 1)[0]
	assert.Equal(t, string(FrameCursor), frame["type"])
	assert.Equal(t, "a", frame["oderId"], "the oderId wire typo must be preserved bit-exactly")
	assert.Equal(t, "a", frame["userId"], "a corrected userId alias must also be present")

	_, err := store.Get(context.Background(), "room1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a cursor relay must never cause the session to be persisted")
}

func TestAttachDeliversConsistentInitSnapshot(t *testing.T) {
	sess := newTestSession(t, nil)
	_, err := sess.ApplyCreate(context.Background(), Element{"type": "rectangle"}, nil)
	require.NoError(t, err)

	sub := NewSubscriber("a", "room1", 8)
	sess.Attach(sub)
	init := drainN(t, sub, 1)[0]
	assert.Equal(t, string(FrameInit), init["type"])
	elements, ok := init["elements"].([]any)
	require.True(t, ok)
	assert.Len(t, elements, 1, "init snapshot must include mutations that preceded attach")
}

func TestDetachBroadcastsUserCountAndUserLeft(t *testing.T) {
	sess := newTestSession(t, nil)
	a := NewSubscriber("a", "room1", 8)
	b := NewSubscriber("b", "room1", 8)
	sess.Attach(a)
	drainN(t, a, 2)
	sess.Attach(b)
	drainN(t, b, 2)
	drainN(t, a, 1)

	sess.Detach(b)

	count := drainN(t, a, 1)[0]
	assert.Equal(t, string(FrameUserCount), count["type"])
	assert.Equal(t, float64(1), count["count"])

	left := drainN(t, a, 1)[0]
	assert.Equal(t, string(FrameUserLeft), left["type"])
	assert.Equal(t, "b", left["oderId"])
}

func TestOnEmptyCalledWhenLastSubscriberDetaches(t *testing.T) {
	var called string
	var mu sync.Mutex
	store := newMemStore()
	sess := New("room1", 1000, nil, Options{Store: store, IDs: &seqIDs{}, OnEmpty: func(id string) {
		mu.Lock()
		called = id
		mu.Unlock()
	}})
	defer sess.Stop()

	sub := NewSubscriber("a", "room1", 8)
	sess.Attach(sub)
	drainN(t, sub, 2)
	sess.Detach(sub)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "room1", called)
}

func TestStopCausesSubsequentOperationsToReturnErrSessionStopped(t *testing.T) {
	sess := New("room1", 1000, nil, Options{Store: newMemStore(), IDs: &seqIDs{}})
	sess.Stop()

	_, err := sess.ApplyCreate(context.Background(), Element{"type": "rectangle"}, nil)
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestSubscribersObserveSameBroadcastOrder(t *testing.T) {
	sess := newTestSession(t, nil)
	ctx := context.Background()
	a := NewSubscriber("a", "room1", 32)
	b := NewSubscriber("b", "room1", 32)
	sess.Attach(a)
	drainN(t, a, 2)
	sess.Attach(b)
	drainN(t, b, 2)
	drainN(t, a, 1)

	el, err := sess.ApplyCreate(ctx, Element{"type": "rectangle"}, nil)
	require.NoError(t, err)
	_, err = sess.ApplyUpdate(ctx, el.ID(), map[string]any{"x": 5.0}, nil)
	require.NoError(t, err)
	require.NoError(t, sess.ApplyReorder(ctx, el.ID(), "back", nil))
	require.NoError(t, sess.ApplyDelete(ctx, el.ID(), nil))

	want := []string{
		string(FrameDraw), string(FrameMove), string(FrameReorder), string(FrameErase),
	}
	for _, sub := range []*Subscriber{a, b} {
		frames := drainN(t, sub, len(want))
		got := make([]string, len(frames))
		for i, f := range frames {
			got[i] = f["type"].(string)
		}
		assert.Equal(t, want, got, "subscriber %s saw a different frame order", sub.UserID)
	}
}

// drainN reads exactly n frames from sub's outbox, failing the test if
// they don't arrive promptly.
func drainN(t *testing.T, sub *Subscriber, n int) []Frame {
	t.Helper()
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		select {
		case data := <-sub.Outbox():
			var f Frame
			require.NoError(t, unmarshalFrame(data, &f))
			frames = append(frames, f)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d/%d", i+1, n)
		}
	}
	return frames
}

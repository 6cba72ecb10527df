package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/driftnotes/drift/internal/note"
	"github.com/driftnotes/drift/internal/remote"
)

// fakeAdapter is an in-memory remote.Adapter with scriptable failures.
type fakeAdapter struct {
	mu            sync.Mutex
	tree          map[string]map[string]note.WireNote
	writeCalls    int
	removeCalls   int
	readAllCalls  int
	writeHook     func(principal string, record note.WireNote) error
	removeErr     error
	readAllErr    error
	subscribeErr  error
	subscriptions []*fakeSubscription
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{tree: make(map[string]map[string]note.WireNote)}
}

func (f *fakeAdapter) Write(_ context.Context, principal string, record note.WireNote) error {
	f.mu.Lock()
	f.writeCalls++
	hook := f.writeHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(principal, record); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tree[principal]; !ok {
		f.tree[principal] = make(map[string]note.WireNote)
	}
	f.tree[principal][record.ID] = record
	return nil
}

func (f *fakeAdapter) Remove(_ context.Context, principal, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	if stored := f.tree[principal]; stored != nil {
		delete(stored, id)
	}
	return nil
}

func (f *fakeAdapter) ReadAll(_ context.Context, principal string) ([]note.WireNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAllCalls++
	if f.readAllErr != nil {
		return nil, f.readAllErr
	}
	records := make([]note.WireNote, 0, len(f.tree[principal]))
	for _, record := range f.tree[principal] {
		records = append(records, record)
	}
	return records, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, _ string) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	subscription := newFakeSubscription()
	f.subscriptions = append(f.subscriptions, subscription)
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription, nil
}

func (f *fakeAdapter) stored(principal, id string) (note.WireNote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.tree[principal][id]
	return record, ok
}

func (f *fakeAdapter) seed(principal string, record note.WireNote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tree[principal]; !ok {
		f.tree[principal] = make(map[string]note.WireNote)
	}
	f.tree[principal][record.ID] = record
}

func (f *fakeAdapter) callCounts() (writes, removes, readAlls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCalls, f.removeCalls, f.readAllCalls
}

func (f *fakeAdapter) lastSubscription() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscriptions) == 0 {
		return nil
	}
	return f.subscriptions[len(f.subscriptions)-1]
}

// fakeSubscription counts how many times the underlying listener is actually
// torn down, however often Close is invoked.
type fakeSubscription struct {
	snapshots chan []note.WireNote
	done      chan struct{}
	closeOnce sync.Once
	teardowns int32

	mu       sync.Mutex
	terminal error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		snapshots: make(chan []note.WireNote),
		done:      make(chan struct{}),
	}
}

func (s *fakeSubscription) Snapshots() <-chan []note.WireNote {
	return s.snapshots
}

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *fakeSubscription) Close() {
	s.closeOnce.Do(func() {
		atomic.AddInt32(&s.teardowns, 1)
		close(s.done)
		close(s.snapshots)
	})
}

func (s *fakeSubscription) teardownCount() int32 {
	return atomic.LoadInt32(&s.teardowns)
}

// push delivers a snapshot to the consumer, or drops it if the subscription
// is already closed.
func (s *fakeSubscription) push(snapshot []note.WireNote) {
	select {
	case s.snapshots <- snapshot:
	case <-s.done:
	}
}

func (s *fakeSubscription) fail(err error) {
	s.mu.Lock()
	s.terminal = err
	s.mu.Unlock()
	s.Close()
}

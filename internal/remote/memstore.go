package remote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// It backs the engine's tests and the demo daemon. Writes are serialized by a
// mutex, so the merge-and-retry-once conflict behavior of a real backend
// degenerates to merging the caller's fields onto the current server copy,
// which preserves last-writer-wins semantics.
//
// Test knobs: account status can be toggled, the next save/delete/query can be
// forced to fail, and a hook can observe saves before they are applied.
type MemStore struct {
	mu      sync.Mutex
	status  AccountStatus
	records map[Locator]*Record

	nextSaveErr   error
	nextDeleteErr error
	nextQueryErr  error

	// SaveHook, if set, runs inside Save before the record is applied.
	// A returned error aborts the save.
	SaveHook func(rec *Record) error

	subscribers []*memSub
}

type memSub struct {
	kinds map[Kind]bool
	ch    chan PushEvent
}

// NewMemStore creates an empty in-memory store reporting StatusAvailable.
func NewMemStore() *MemStore {
	return &MemStore{
		status:  StatusAvailable,
		records: make(map[Locator]*Record),
	}
}

// SetStatus changes the reported account status.
func (m *MemStore) SetStatus(s AccountStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// FailNextSave makes the next Save call return err.
func (m *MemStore) FailNextSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSaveErr = err
}

// FailNextDelete makes the next Delete call return err.
func (m *MemStore) FailNextDelete(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDeleteErr = err
}

// FailNextQuery makes the next Query call return err.
func (m *MemStore) FailNextQuery(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextQueryErr = err
}

// Len reports how many records of the given kind exist.
func (m *MemStore) Len(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for loc := range m.records {
		if loc.Kind == kind {
			n++
		}
	}
	return n
}

// Put stores a record directly, bypassing Save semantics and push
// notification. Intended for seeding test fixtures.
func (m *MemStore) Put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Locator] = rec.Clone()
}

// Remove deletes a record directly without emitting a push event.
// Intended for simulating another client's deletion in tests.
func (m *MemStore) Remove(loc Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, loc)
}

// AccountStatus implements Store.
func (m *MemStore) AccountStatus(ctx context.Context) AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Fetch implements Store.
func (m *MemStore) Fetch(ctx context.Context, loc Locator) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[loc]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Save implements Store. The caller's fields are merged onto any existing
// record, the modification time is stamped if the caller left it zero, and a
// push event is emitted to subscribers.
func (m *MemStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	if err := m.nextSaveErr; err != nil {
		m.nextSaveErr = nil
		m.mu.Unlock()
		return nil, err
	}
	if hook := m.SaveHook; hook != nil {
		m.mu.Unlock()
		if err := hook(rec); err != nil {
			return nil, err
		}
		m.mu.Lock()
	}

	stored := rec.Clone()
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = time.Now()
	}

	reason := PushUpdated
	if existing, ok := m.records[rec.Locator]; ok {
		// Merge onto the server copy: caller's fields win, untouched
		// server fields survive.
		merged := existing.Clone()
		for k, v := range stored.Fields {
			merged.Fields[k] = v
		}
		merged.ModifiedAt = stored.ModifiedAt
		merged.ModifiedBy = stored.ModifiedBy
		merged.Cohort = stored.Cohort
		stored = merged
	} else {
		reason = PushCreated
	}

	m.records[stored.Locator] = stored
	out := stored.Clone()
	subs := m.subscribersFor(stored.Locator.Kind)
	m.mu.Unlock()

	m.notify(subs, PushEvent{Locator: out.Locator, Reason: reason})
	return out, nil
}

// Delete implements Store. Deleting an absent record is a no-op.
func (m *MemStore) Delete(ctx context.Context, loc Locator) error {
	m.mu.Lock()
	if err := m.nextDeleteErr; err != nil {
		m.nextDeleteErr = nil
		m.mu.Unlock()
		return err
	}
	_, existed := m.records[loc]
	delete(m.records, loc)
	subs := m.subscribersFor(loc.Kind)
	m.mu.Unlock()

	if existed {
		m.notify(subs, PushEvent{Locator: loc, Reason: PushDeleted})
	}
	return nil
}

// Query implements Store.
func (m *MemStore) Query(ctx context.Context, kind Kind, q Query) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextQueryErr; err != nil {
		m.nextQueryErr = nil
		return nil, err
	}

	var out []*Record
	for loc, rec := range m.records {
		if loc.Kind != kind {
			continue
		}
		if q.Cohort != "" && rec.Cohort != q.Cohort {
			continue
		}
		if q.ModifiedSince != nil && !rec.ModifiedAt.After(*q.ModifiedSince) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Locator.Name < out[j].Locator.Name
	})
	return out, nil
}

// Subscribe implements Store.
func (m *MemStore) Subscribe(ctx context.Context, kinds []Kind) (<-chan PushEvent, error) {
	sub := &memSub{
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan PushEvent, 64),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	m.mu.Lock()
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subscribers {
			if s == sub {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// subscribersFor returns the subscribers interested in a kind.
// Caller must hold m.mu.
func (m *MemStore) subscribersFor(kind Kind) []*memSub {
	var subs []*memSub
	for _, s := range m.subscribers {
		if s.kinds[kind] {
			subs = append(subs, s)
		}
	}
	return subs
}

// notify delivers an event to subscribers without blocking.
// Slow subscribers drop events; push delivery is best-effort by contract.
func (m *MemStore) notify(subs []*memSub, ev PushEvent) {
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

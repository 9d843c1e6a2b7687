package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// memStore implements domain.ReportStore in memory for testing
type memStore struct {
	mu      sync.Mutex
	reports map[string]*domain.Report
	seq     int64

	enqueueErr error
	deleteErr  error
	listErr    map[domain.ApprovalState]error
}

func newMemStore() *memStore {
	return &memStore{reports: make(map[string]*domain.Report)}
}

func (m *memStore) Enqueue(ctx context.Context, r *domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("r-%03d", m.seq)
	}
	if _, ok := m.reports[r.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, r.ID)
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now()
	}
	r.Seq = m.seq
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *memStore) Transition(ctx context.Context, id string, to domain.ApprovalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err := domain.CheckTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	return nil
}

func (m *memStore) List(ctx context.Context, state domain.ApprovalState) (*domain.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[state]; err != nil {
		return nil, err
	}
	var out []domain.Report
	for _, r := range m.reports {
		if r.State == state {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return domain.NewCursor(out), nil
}

func (m *memStore) Get(ctx context.Context, id string) (*domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.reports, id)
	return nil
}

func (m *memStore) RecordAttempt(ctx context.Context, id string, lastErr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	r.Attempts++
	r.LastError = lastErr
	return r.Attempts, nil
}

func (m *memStore) Count(ctx context.Context, state domain.ApprovalState) (int, error) {
	cur, err := m.List(ctx, state)
	if err != nil {
		return 0, err
	}
	return cur.Len(), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) put(r domain.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if r.Seq == 0 {
		r.Seq = m.seq
	}
	m.reports[r.ID] = &r
}

func (m *memStore) state(id string) (domain.ApprovalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return "", false
	}
	return r.State, true
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

// memSettings implements domain.SettingsStore in memory for testing
type memSettings struct {
	mu     sync.Mutex
	values map[string]any
	setErr error
	subs   []func(string)
}

func newMemSettings(values map[string]any) *memSettings {
	if values == nil {
		values = make(map[string]any)
	}
	return &memSettings{values: values}
}

func (m *memSettings) GetBool(key string, def bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, domain.ErrTypeMismatch
	}
	return b, nil
}

func (m *memSettings) GetString(key string, def string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, domain.ErrTypeMismatch
	}
	return s, nil
}

func (m *memSettings) Set(key string, value any) error {
	m.mu.Lock()
	if m.setErr != nil {
		m.mu.Unlock()
		return m.setErr
	}
	m.values[key] = value
	subs := append([]func(string){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(key)
	}
	return nil
}

func (m *memSettings) Subscribe(fn func(key string)) domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	return nopSubscription{}
}

type nopSubscription struct{}

func (nopSubscription) Close() {}

// scriptedTransport returns queued results per report id, then nil.
type scriptedTransport struct {
	mu      sync.Mutex
	results map[string][]error
	sent    map[string]int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		results: make(map[string][]error),
		sent:    make(map[string]int),
	}
}

func (s *scriptedTransport) script(id string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = errs
}

func (s *scriptedTransport) Send(ctx context.Context, r domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[r.ID]++
	queue := s.results[r.ID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.results[r.ID] = queue[1:]
	return err
}

func (s *scriptedTransport) sends(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[id]
}

// recordingDispatcher collects dispatched reports.
type recordingDispatcher struct {
	mu      sync.Mutex
	batches [][]domain.Report
	err     error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, reports []domain.Report) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, reports)
	return nil
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, b := range d.batches {
		for _, r := range b {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// fakeLegacy implements domain.LegacySource for testing
type fakeLegacy struct {
	entries   []domain.LegacyEntry
	removed   []string
	removeErr map[string]error
	listErr   error
}

func (f *fakeLegacy) Entries() ([]domain.LegacyEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var left []domain.LegacyEntry
	for _, e := range f.entries {
		gone := false
		for _, r := range f.removed {
			if r == e.Name {
				gone = true
			}
		}
		if !gone {
			left = append(left, e)
		}
	}
	return left, nil
}

func (f *fakeLegacy) Remove(e domain.LegacyEntry) error {
	if err := f.removeErr[e.Name]; err != nil {
		return err
	}
	f.removed = append(f.removed, e.Name)
	return nil
}

// fakeProcessManager implements domain.ProcessManager for testing
type fakeProcessManager struct {
	running map[int]bool
}

func (f *fakeProcessManager) Identity(pid int) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeProcessManager) FindBySuffix(string) ([]int, error) { return nil, nil }

func (f *fakeProcessManager) IsRunning(pid int) bool { return f.running[pid] }

func (f *fakeProcessManager) GetCurrentPID() int { return os.Getpid() }

var (
	_ domain.ReportStore    = (*memStore)(nil)
	_ domain.SettingsStore  = (*memSettings)(nil)
	_ domain.Transport      = (*scriptedTransport)(nil)
	_ domain.Dispatcher     = (*recordingDispatcher)(nil)
	_ domain.LegacySource   = (*fakeLegacy)(nil)
	_ domain.ProcessManager = (*fakeProcessManager)(nil)
)

package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

// fakeStore is an in-memory JobStore with the same transition and
// monotonicity semantics as the postgres repo.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	seq  int

	failCreate error
	// failGet makes Get fail once more than failGetAfter calls have
	// succeeded; zero fails from the first call.
	failGet      error
	failGetAfter int
	getCalls     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]domain.Job{}}
}

func (s *fakeStore) Create(_ domain.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return "", s.failCreate
	}
	s.seq++
	id := j.ID
	if id == "" {
		id = fmt.Sprintf("job-%04d", s.seq)
	}
	if j.State == "" {
		j.State = domain.StatePending
	}
	if j.Priority == "" {
		j.Priority = domain.PriorityNormal
	}
	if j.Attempts < 1 {
		j.Attempts = 1
	}
	j.ID = id
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	s.jobs[id] = j
	return id, nil
}

func (s *fakeStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.failGet != nil && s.getCalls > s.failGetAfter {
		return domain.Job{}, s.failGet
	}
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fake.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *fakeStore) Transition(_ domain.Context, id string, to domain.State, patch domain.Patch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fake.transition: %w", domain.ErrNotFound)
	}
	if j.State == to && (to == domain.StateRunning || to == domain.StateQueued) {
		return j, nil
	}
	if !domain.CanTransition(j.State, to) {
		return domain.Job{}, fmt.Errorf("op=fake.transition: %w: %s -> %s", domain.ErrIllegalTransition, j.State, to)
	}
	j.State = to
	now := time.Now().UTC()
	if patch.Progress != nil && *patch.Progress > j.Progress {
		j.Progress = *patch.Progress
	}
	if patch.TaskID != "" {
		j.TaskID = patch.TaskID
	}
	if patch.ErrorCode != "" {
		j.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		j.ErrorMessage = patch.ErrorMessage
	}
	if len(patch.Output) > 0 {
		j.Output = patch.Output
	}
	if patch.IncAttempts {
		j.Attempts++
	}
	s.mergeMetrics(&j, patch.Step, patch.Message, patch.Metrics)
	switch {
	case to == domain.StateRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case to == domain.StateRetrying:
		j.RetryCount++
	case to.Terminal():
		if j.FinishedAt == nil {
			j.FinishedAt = &now
		}
		if to == domain.StateCompleted {
			j.Progress = 100
		}
	}
	j.UpdatedAt = now
	s.jobs[id] = j
	return j, nil
}

func (s *fakeStore) UpdateProgress(_ domain.Context, id string, percent int, step, message string, metrics map[string]string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fake.progress: %w", domain.ErrNotFound)
	}
	if j.State.Terminal() {
		return domain.Job{}, fmt.Errorf("op=fake.progress: %w: %s is terminal", domain.ErrIllegalTransition, j.State)
	}
	if percent < j.Progress {
		return domain.Job{}, fmt.Errorf("op=fake.progress: %w: %d < %d", domain.ErrProgressDecrease, percent, j.Progress)
	}
	if percent == j.Progress && (step == "" || step == j.Metrics["step"]) {
		return j, nil
	}
	j.Progress = percent
	s.mergeMetrics(&j, step, message, metrics)
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return j, nil
}

func (s *fakeStore) MarkCancelRequested(_ domain.Context, id, reason string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fake.mark_cancel: %w", domain.ErrNotFound)
	}
	if j.State.Terminal() || j.CancelRequested {
		return j, nil
	}
	j.CancelRequested = true
	if reason != "" {
		s.mergeMetrics(&j, "", "", map[string]string{"cancel_reason": reason})
	}
	s.jobs[id] = j
	return j, nil
}

func (s *fakeStore) mergeMetrics(j *domain.Job, step, message string, metrics map[string]string) {
	if step == "" && message == "" && len(metrics) == 0 {
		return
	}
	m := map[string]string{}
	for k, v := range j.Metrics {
		m[k] = v
	}
	if step != "" {
		m["step"] = step
	}
	if message != "" {
		m["message"] = message
	}
	for k, v := range metrics {
		m[k] = v
	}
	j.Metrics = m
}

// put seeds a job directly, bypassing Create defaults.
func (s *fakeStore) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *fakeStore) state(id string) domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].State
}

// fakeBroker records published envelopes, DLQ records and events, with
// injectable publish failures.
type fakeBroker struct {
	mu        sync.Mutex
	envelopes []domain.Envelope
	priority  []domain.Priority
	dlq       []domain.DLQRecord
	dlqClass  []string
	events    []domain.LifecycleEvent

	failPublish error
	failDLQ     error
	failEvent   error
}

func (b *fakeBroker) PublishJob(_ domain.Context, env domain.Envelope, p domain.Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish != nil {
		return b.failPublish
	}
	b.envelopes = append(b.envelopes, env)
	b.priority = append(b.priority, p)
	return nil
}

func (b *fakeBroker) PublishDLQ(_ domain.Context, class string, rec domain.DLQRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDLQ != nil {
		return b.failDLQ
	}
	b.dlq = append(b.dlq, rec)
	b.dlqClass = append(b.dlqClass, class)
	return nil
}

func (b *fakeBroker) PublishEvent(_ domain.Context, ev domain.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failEvent != nil {
		return b.failEvent
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBroker) eventStatuses() []domain.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.State, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Status)
	}
	return out
}

func (b *fakeBroker) published() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Envelope(nil), b.envelopes...)
}

func (b *fakeBroker) dlqRecords() []domain.DLQRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.DLQRecord(nil), b.dlq...)
}

// memFlags is an in-memory FlagCache without TTL expiry; tests expire keys
// explicitly with drop().
type memFlags struct {
	mu   sync.Mutex
	data map[string]string

	failAll error
}

func newMemFlags() *memFlags { return &memFlags{data: map[string]string{}} }

func (m *memFlags) SetCancel(_ domain.Context, jobID, reason string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	m.data["cancel:"+jobID] = reason
	return nil
}

func (m *memFlags) GetCancel(_ domain.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return false, m.failAll
	}
	_, ok := m.data["cancel:"+jobID]
	return ok, nil
}

func (m *memFlags) ClearCancel(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	delete(m.data, "cancel:"+jobID)
	return nil
}

func (m *memFlags) AcquireThrottle(_ domain.Context, jobID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return false, m.failAll
	}
	key := "throttle:" + jobID
	if _, held := m.data[key]; held {
		return false, nil
	}
	m.data[key] = "1"
	return true, nil
}

func (m *memFlags) StashCoalesce(_ domain.Context, jobID string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	m.data["coalesce:"+jobID] = string(data)
	return nil
}

func (m *memFlags) TakeCoalesce(_ domain.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	key := "coalesce:" + jobID
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	delete(m.data, key)
	return []byte(v), nil
}

func (m *memFlags) MarkEventOnce(_ domain.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return false, m.failAll
	}
	if _, seen := m.data["dedup:"+key]; seen {
		return false, nil
	}
	m.data["dedup:"+key] = "1"
	return true, nil
}

func (m *memFlags) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *memFlags) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// fakeSettle records the settlement outcome for one delivery.
type fakeSettle struct {
	mu       sync.Mutex
	acked    int
	rejected int
	requeue  bool
}

func (f *fakeSettle) Ack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeSettle) Reject(requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
	f.requeue = requeue
	return nil
}

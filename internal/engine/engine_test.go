package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/provider"
	"github.com/wavecom/relay/internal/queue"
	"github.com/wavecom/relay/internal/store"
)

// memStore is an in-memory store.Store with the same conditional-update
// semantics as the real backends.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.NotificationJob
	logs map[uuid.UUID][]*job.NotificationLog
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[uuid.UUID]*job.NotificationJob),
		logs: make(map[uuid.UUID][]*job.NotificationLog),
	}
}

func (m *memStore) CreateJob(ctx context.Context, j *job.NotificationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != job.StatusQueued {
		return nil, store.ErrStatusConflict
	}
	j.Status = job.StatusProcessing
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to job.Status, lastError *string) (*job.NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status.Terminal() || j.Status != from {
		return nil, store.ErrStatusConflict
	}
	j.Status = to
	if lastError != nil {
		j.LastError = lastError
	}
	now := time.Now().UTC()
	switch to {
	case job.StatusSent:
		j.LastError = nil
		j.SentAt = &now
	case job.StatusFailed:
		j.FailedAt = &now
	}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(ctx context.Context, f store.Filter) ([]*job.NotificationJob, int, error) {
	return nil, 0, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	return nil, nil
}

func (m *memStore) AppendLog(ctx context.Context, l *job.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.JobID] = append(m.logs[l.JobID], l)
	return nil
}

func (m *memStore) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*job.NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[jobID], nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) events(jobID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.logs[jobID] {
		out = append(out, l.Event)
	}
	return out
}

type published struct {
	lane  queue.Lane
	msg   queue.Message
	delay time.Duration
}

// memBroker records publishes; it never delivers on its own.
type memBroker struct {
	mu         sync.Mutex
	published  []published
	dead       []queue.DeadLetter
	publishErr error
}

func (b *memBroker) Publish(ctx context.Context, lane queue.Lane, msg queue.Message, opts queue.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{lane: lane, msg: msg, delay: opts.Delay})
	return nil
}

func (b *memBroker) Receive(ctx context.Context, lane queue.Lane, max int) ([]queue.Delivery, error) {
	return nil, nil
}
func (b *memBroker) Ack(ctx context.Context, d queue.Delivery) error  { return nil }
func (b *memBroker) Nack(ctx context.Context, d queue.Delivery) error { return nil }

func (b *memBroker) PublishDead(ctx context.Context, dl queue.DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, dl)
	return nil
}

func (b *memBroker) Depth(ctx context.Context, lane queue.Lane) (int, error) { return 0, nil }
func (b *memBroker) DeadLetterCount(ctx context.Context) (int, error)        { return 0, nil }
func (b *memBroker) PurgeDeadLetters(ctx context.Context) (int, error)       { return 0, nil }
func (b *memBroker) Ping(ctx context.Context) error                          { return nil }
func (b *memBroker) Close() error                                            { return nil }

// scriptedSender fails the first failures sends, then succeeds.
type scriptedSender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *scriptedSender) Send(ctx context.Context, j *job.NotificationJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return fmt.Sprintf("%s-%s", j.Channel, uuid.NewString()), nil
}

func newTestEngine(st store.Store, b queue.Broker, s Sender) *Engine {
	policy := NewRetryPolicy(5*time.Second, 60*time.Second, 2.0, 0)
	return New(st, b, s, policy, Config{DefaultMaxAttempts: 3}, zap.NewNop())
}

func queuedJob(t *testing.T, e *Engine, _ *memStore) *job.NotificationJob {
	t.Helper()
	j := &job.NotificationJob{
		Channel:   job.ChannelEmail,
		Recipient: "user@example.com",
		Body:      "hello",
	}
	if err := e.CreateAndEnqueue(context.Background(), j); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return j
}

func delivery(j *job.NotificationJob, attempt int) queue.Delivery {
	return queue.Delivery{
		Lane:    queue.LaneFor(j.Priority),
		Receipt: "r",
		Message: queue.Message{JobID: j.ID, Attempt: attempt},
	}
}

func TestCreateAndEnqueue(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	e := newTestEngine(st, b, &scriptedSender{})

	j := queuedJob(t, e, st)

	if j.Status != job.StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", j.MaxAttempts)
	}
	if len(b.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(b.published))
	}
	if b.published[0].lane != queue.LaneDefault {
		t.Errorf("medium priority should use default lane, got %s", b.published[0].lane)
	}

	events := st.events(j.ID)
	if len(events) != 2 || events[0] != job.EventCreated || events[1] != job.EventQueued {
		t.Errorf("unexpected log trail: %v", events)
	}
}

func TestCreateAndEnqueue_HighPriorityLane(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	e := newTestEngine(st, b, &scriptedSender{})

	j := &job.NotificationJob{
		Channel:   job.ChannelPush,
		Recipient: "device-token-1",
		Body:      "alert",
		Priority:  job.PriorityCritical,
	}
	if err := e.CreateAndEnqueue(context.Background(), j); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if b.published[0].lane != queue.LaneHigh {
		t.Errorf("critical priority should use high lane, got %s", b.published[0].lane)
	}
}

func TestCreateAndEnqueue_RejectsInvalid(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, &memBroker{}, &scriptedSender{})

	j := &job.NotificationJob{Channel: job.ChannelEmail, Recipient: "not-an-email", Body: "x"}
	if err := e.CreateAndEnqueue(context.Background(), j); err == nil {
		t.Fatal("expected validation error")
	}
	if len(st.jobs) != 0 {
		t.Error("invalid job must not be persisted")
	}
}

func TestCreateAndEnqueue_BrokerDownFailsJob(t *testing.T) {
	st := newMemStore()
	b := &memBroker{publishErr: errors.New("connection refused")}
	e := newTestEngine(st, b, &scriptedSender{})

	j := &job.NotificationJob{Channel: job.ChannelEmail, Recipient: "user@example.com", Body: "x"}
	if err := e.CreateAndEnqueue(context.Background(), j); err == nil {
		t.Fatal("expected enqueue error")
	}

	got, err := st.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("job row must survive broker failure: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "queue unavailable" {
		t.Errorf("expected last_error 'queue unavailable', got %v", got.LastError)
	}
}

func TestHandleDelivery_SuccessFirstAttempt(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	sender := &scriptedSender{}
	e := newTestEngine(st, b, sender)

	j := queuedJob(t, e, st)

	if err := e.HandleDelivery(context.Background(), delivery(j, 0)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusSent {
		t.Errorf("expected sent, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at stamped")
	}

	events := st.events(j.ID)
	want := []string{job.EventCreated, job.EventQueued, job.EventProcessing, job.EventSent}
	if len(events) != len(want) {
		t.Fatalf("unexpected log trail: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: want %s, got %s", i, want[i], events[i])
		}
	}
}

func TestHandleDelivery_RetriesThenSucceeds(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	sender := &scriptedSender{failures: 2, err: errors.New("email provider temporarily unavailable")}
	e := newTestEngine(st, b, sender)

	j := queuedJob(t, e, st)

	// Attempt 1: fails, reschedules with 5s backoff.
	if err := e.HandleDelivery(context.Background(), delivery(j, 0)); err != nil {
		t.Fatalf("attempt 1 handle failed: %v", err)
	}
	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("expected queued after retry scheduling, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "email provider temporarily unavailable" {
		t.Errorf("expected provider error recorded, got %v", got.LastError)
	}
	if len(b.published) != 2 {
		t.Fatalf("expected retry publish, got %d publishes", len(b.published))
	}
	if b.published[1].delay != 5*time.Second {
		t.Errorf("expected 5s backoff after attempt 1, got %s", b.published[1].delay)
	}

	// Attempt 2: fails, backoff doubles.
	if err := e.HandleDelivery(context.Background(), delivery(j, 1)); err != nil {
		t.Fatalf("attempt 2 handle failed: %v", err)
	}
	if b.published[2].delay != 10*time.Second {
		t.Errorf("expected 10s backoff after attempt 2, got %s", b.published[2].delay)
	}

	// Attempt 3: succeeds.
	if err := e.HandleDelivery(context.Background(), delivery(j, 2)); err != nil {
		t.Fatalf("attempt 3 handle failed: %v", err)
	}
	got, _ = st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusSent {
		t.Errorf("expected sent, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.LastError != nil {
		t.Errorf("sent job must have no last_error, got %q", *got.LastError)
	}
	if len(b.dead) != 0 {
		t.Error("successful job must not dead-letter")
	}
}

func TestHandleDelivery_ExhaustionDeadLetters(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	sender := &scriptedSender{failures: 100, err: errors.New("sms gateway timeout")}
	e := newTestEngine(st, b, sender)

	j := &job.NotificationJob{
		Channel:     job.ChannelSMS,
		Recipient:   "+15551234567",
		Body:        "hello",
		MaxAttempts: 3,
	}
	if err := e.CreateAndEnqueue(context.Background(), j); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := e.HandleDelivery(context.Background(), delivery(j, attempt)); err != nil {
			t.Fatalf("attempt %d handle failed: %v", attempt+1, err)
		}
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.FailedAt == nil {
		t.Error("expected failed_at stamped")
	}

	if len(b.dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(b.dead))
	}
	dl := b.dead[0]
	if dl.JobID != j.ID || dl.FinalAttemptCount != 3 || dl.FinalError != "sms gateway timeout" {
		t.Errorf("unexpected dead letter: %+v", dl)
	}

	// Terminal: further deliveries are no-ops.
	if err := e.HandleDelivery(context.Background(), delivery(j, 2)); err != nil {
		t.Fatalf("duplicate delivery should ack, got %v", err)
	}
	got, _ = st.GetJob(context.Background(), j.ID)
	if got.Attempts != 3 || got.Status != job.StatusFailed {
		t.Error("terminal job must not change on redelivery")
	}
}

func TestHandleDelivery_StructuralErrorDropsImmediately(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	e := newTestEngine(st, b, &scriptedSender{failures: 100, err: fmt.Errorf("%w: fax", provider.ErrUnknownChannel)})

	j := queuedJob(t, e, st)

	if err := e.HandleDelivery(context.Background(), delivery(j, 0)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("structural failure must not retry, got %d attempts", got.Attempts)
	}
	if len(b.dead) != 1 {
		t.Errorf("expected dead letter, got %d", len(b.dead))
	}
	if len(b.published) != 1 {
		t.Errorf("structural failure must not re-publish, got %d publishes", len(b.published))
	}
}

func TestHandleDelivery_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	st := newMemStore()
	b := &memBroker{}
	sender := &scriptedSender{}
	e := newTestEngine(st, b, sender)

	j := queuedJob(t, e, st)

	const dups = 100
	var wg sync.WaitGroup
	errs := make(chan error, dups)
	for i := 0; i < dups; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.HandleDelivery(context.Background(), delivery(j, 0))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("duplicate delivery errored: %v", err)
		}
	}

	if sender.calls != 1 {
		t.Fatalf("expected exactly 1 provider invocation, got %d", sender.calls)
	}
	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusSent || got.Attempts != 1 {
		t.Errorf("expected sent with 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
}

func TestHandleDelivery_UnknownJobAcks(t *testing.T) {
	e := newTestEngine(newMemStore(), &memBroker{}, &scriptedSender{})

	d := queue.Delivery{Message: queue.Message{JobID: uuid.New()}}
	if err := e.HandleDelivery(context.Background(), d); err != nil {
		t.Fatalf("expected ack for unknown job, got %v", err)
	}
}

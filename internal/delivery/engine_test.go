package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/harborwatch/alertgate/internal/gate"
	"github.com/harborwatch/alertgate/internal/model"
	"github.com/harborwatch/alertgate/internal/signing"
)

type fakeAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.DeliveryAttempt
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{attempts: make(map[uuid.UUID]*model.DeliveryAttempt)}
}

func (f *fakeAttempts) Create(_ context.Context, alertEventID, endpointID uuid.UUID, status model.AttemptStatus) (*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &model.DeliveryAttempt{
		ID:           uuid.New(),
		AlertEventID: alertEventID,
		EndpointID:   endpointID,
		Status:       status,
		AttemptedAt:  time.Now(),
	}
	f.attempts[a.ID] = a
	return a, nil
}

func (f *fakeAttempts) Update(_ context.Context, id uuid.UUID, status model.AttemptStatus, httpStatus *int, latencyMs *int64, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.attempts[id]
	a.Status = status
	a.HTTPStatus = httpStatus
	a.LatencyMs = latencyMs
	a.Error = errMsg
	return nil
}

func (f *fakeAttempts) byStatus(status model.AttemptStatus) []*model.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.DeliveryAttempt
	for _, a := range f.attempts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries map[uuid.UUID]time.Time
}

func newFakeDLQ() *fakeDLQ {
	return &fakeDLQ{entries: make(map[uuid.UUID]time.Time)}
}

func (f *fakeDLQ) Enqueue(_ context.Context, attemptID uuid.UUID, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[attemptID]; !ok {
		f.entries[attemptID] = nextRetryAt
	}
	return nil
}

func (f *fakeDLQ) depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func testEvent() *model.AlertEvent {
	return &model.AlertEvent{
		ID:         uuid.New(),
		EntityType: "port",
		EntityID:   "SGSIN",
		SignalType: "delay",
		Severity:   model.SeverityHigh,
		Title:      "Port congestion",
		ClusterKey: "port:SGSIN:delay",
		OccurredAt: time.Now().UTC(),
	}
}

func testSub(url string) *model.Subscription {
	return &model.Subscription{ID: uuid.New(), URL: url, Secret: "s3cret", IsActive: true}
}

func TestDeliver_SuccessIsSigned(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Signature-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	attempts := newFakeAttempts()
	dlq := newFakeDLQ()
	engine := NewEngine(attempts, dlq, 5*time.Second, time.Second)

	sub := testSub(srv.URL)
	attempt, dropped, err := engine.Deliver(context.Background(), testEvent(), sub)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if dropped {
		t.Fatal("should not be dropped")
	}
	if attempt.Status != model.AttemptSent {
		t.Fatalf("status = %s, want SENT", attempt.Status)
	}
	if gotTS == "" || gotSig == "" {
		t.Fatal("signature headers missing")
	}
	if !signing.Verify(gotTS, gotBody, sub.Secret, gotSig) {
		t.Fatal("signature should verify against timestamp+body")
	}
	if dlq.depth() != 0 {
		t.Fatal("successful delivery must not dead-letter")
	}
}

func TestDeliver_Non2xxFailsAndDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	attempts := newFakeAttempts()
	dlq := newFakeDLQ()
	engine := NewEngine(attempts, dlq, 5*time.Second, time.Second)

	attempt, _, err := engine.Deliver(context.Background(), testEvent(), testSub(srv.URL))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if attempt.Status != model.AttemptFailed {
		t.Fatalf("status = %s, want FAILED", attempt.Status)
	}
	if dlq.depth() != 1 {
		t.Fatalf("dlq depth = %d, want 1", dlq.depth())
	}
	stored := attempts.attempts[attempt.ID]
	if stored.HTTPStatus == nil || *stored.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("http status not recorded: %+v", stored)
	}
}

func TestDeliver_TimeoutTreatedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	attempts := newFakeAttempts()
	dlq := newFakeDLQ()
	engine := NewEngine(attempts, dlq, 20*time.Millisecond, time.Second)

	attempt, _, err := engine.Deliver(context.Background(), testEvent(), testSub(srv.URL))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if attempt.Status != model.AttemptFailed {
		t.Fatalf("status = %s, want FAILED", attempt.Status)
	}
	if dlq.depth() != 1 {
		t.Fatal("timeout must dead-letter like any failure")
	}
}

func TestDeliver_TransformScriptDrops(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	attempts := newFakeAttempts()
	engine := NewEngine(attempts, newFakeDLQ(), 5*time.Second, time.Second)

	sub := testSub(srv.URL)
	scriptBody := `function transform(payload) { return null; }`
	sub.TransformScript = &scriptBody

	attempt, dropped, err := engine.Deliver(context.Background(), testEvent(), sub)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !dropped || attempt != nil {
		t.Fatal("script null return should drop the webhook")
	}
	if called {
		t.Fatal("no HTTP request should be made for a dropped webhook")
	}
}

func TestDeliver_TransformScriptReshapesPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		got = map[string]any{}
		if err := json.Unmarshal(buf, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
	}))
	defer srv.Close()

	engine := NewEngine(newFakeAttempts(), newFakeDLQ(), 5*time.Second, time.Second)
	sub := testSub(srv.URL)
	scriptBody := `function transform(payload) { return { text: payload.title }; }`
	sub.TransformScript = &scriptBody

	event := testEvent()
	if _, _, err := engine.Deliver(context.Background(), event, sub); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got["text"] != event.Title {
		t.Fatalf("transformed body = %v", got)
	}
}

type fakeEvents struct{ events []model.AlertEvent }

func (f *fakeEvents) ListForDay(context.Context, time.Time) ([]model.AlertEvent, error) {
	return f.events, nil
}

type fakeSubs struct{ subs []model.Subscription }

func (f *fakeSubs) ListActive(context.Context) ([]model.Subscription, error) {
	return f.subs, nil
}

type fakeBroker struct {
	mu     sync.Mutex
	pushed []uuid.UUID
}

func (f *fakeBroker) BroadcastEvent(event *model.AlertEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, event.ID)
}

func TestRun_RateLimitPerEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	attempts := newFakeAttempts()
	engine := NewEngine(attempts, newFakeDLQ(), 5*time.Second, time.Second)
	g := gate.New(gate.NewMemoryDedupStore(), time.Hour)

	events := []model.AlertEvent{*testEvent(), *testEvent(), *testEvent()}
	for i := range events {
		events[i].ClusterKey = events[i].ClusterKey + string(rune('a'+i))
	}
	sub := *testSub(srv.URL)

	broker := &fakeBroker{}
	runner := NewRunner(engine, g, &fakeEvents{events}, &fakeSubs{[]model.Subscription{sub}}, broker, 2, 2)

	summary, err := runner.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Sent != 2 {
		t.Fatalf("sent = %d, want 2", summary.Sent)
	}
	if summary.SkippedRateLimit != 1 {
		t.Fatalf("skipped_rate_limit = %d, want 1", summary.SkippedRateLimit)
	}
	if len(attempts.byStatus(model.AttemptSkippedRateLimit)) != 1 {
		t.Fatal("rate-limit skip should be recorded for audit")
	}
	if len(broker.pushed) != 3 {
		t.Fatalf("all events broadcast best-effort, got %d", len(broker.pushed))
	}
}

func TestRun_DuplicateSuppressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	engine := NewEngine(newFakeAttempts(), newFakeDLQ(), 5*time.Second, time.Second)
	g := gate.New(gate.NewMemoryDedupStore(), time.Hour)

	e1, e2 := *testEvent(), *testEvent()
	e2.ClusterKey = e1.ClusterKey // same logical alert
	sub := *testSub(srv.URL)

	runner := NewRunner(engine, g, &fakeEvents{[]model.AlertEvent{e1, e2}}, &fakeSubs{[]model.Subscription{sub}}, nil, 10, 1)
	summary, err := runner.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Sent != 1 || summary.SkippedDedupe != 1 {
		t.Fatalf("summary = %+v, want 1 sent / 1 skipped_dedupe", summary)
	}
}

func TestRun_CancelledAdmitsNothingNew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	engine := NewEngine(newFakeAttempts(), newFakeDLQ(), 5*time.Second, time.Second)
	g := gate.New(gate.NewMemoryDedupStore(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(engine, g, &fakeEvents{[]model.AlertEvent{*testEvent()}}, &fakeSubs{[]model.Subscription{*testSub(srv.URL)}}, nil, 10, 1)
	summary, err := runner.Run(ctx, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Aborted {
		t.Fatal("cancelled run should report aborted")
	}
	if summary.Sent != 0 {
		t.Fatal("no new deliveries after cancellation")
	}
}

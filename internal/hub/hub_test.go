package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"examrelay/internal/dispatch"
	"examrelay/internal/metrics"
	"examrelay/internal/websocket"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// memoryConnection records pushed frames
type memoryConnection struct {
	id        types.ConnectionID
	principal types.Principal

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newMemoryConnection(principal types.Principal) *memoryConnection {
	return &memoryConnection{id: types.ConnectionID(uuid.New().String()), principal: principal}
}

func (c *memoryConnection) ID() types.ConnectionID     { return c.id }
func (c *memoryConnection) Principal() types.Principal { return c.principal }
func (c *memoryConnection) Channel() string            { return "" }
func (c *memoryConnection) State() types.ConnectionState {
	return types.StateOpen
}

func (c *memoryConnection) Push(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *memoryConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *memoryConnection) events() []types.EventFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.EventFrame
	for _, raw := range c.frames {
		var f types.EventFrame
		if json.Unmarshal(raw, &f) == nil && f.Type == types.FrameEvent {
			out = append(out, f)
		}
	}
	return out
}

type staticAuth struct{}

func (staticAuth) Identify(context.Context, string) (types.Principal, error) {
	return types.Anonymous(), nil
}

func (staticAuth) IsAuthenticated(p types.Principal) bool { return p.Authenticated }

func startExamHub(t *testing.T) *ExamHub {
	t.Helper()
	reg := websocket.NewRegistry(types.ChannelExam, websocket.AllowAnonymous{}, nil, nil)
	h := NewExamHub(reg, nil, metrics.New())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func startNotificationHub(t *testing.T, opts NotificationOptions) *NotificationHub {
	t.Helper()
	reg := websocket.NewRegistry(types.ChannelNotification, websocket.AllowAnonymous{}, nil, nil)
	h := NewNotificationHub(reg, staticAuth{}, opts, nil, metrics.New())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func connect(t *testing.T, h *Hub, principal types.Principal, groups ...string) *memoryConnection {
	t.Helper()
	conn := newMemoryConnection(principal)
	if _, err := h.Registry().Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, g := range groups {
		h.Registry().Join(conn.ID(), g)
	}
	return conn
}

func waitForEvents(t *testing.T, conn *memoryConnection, n int) []types.EventFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := conn.events(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, len(conn.events()))
	return nil
}

// Lifecycle Tests
func TestHub_StartStop(t *testing.T) {
	reg := websocket.NewRegistry(types.ChannelExam, websocket.AllowAnonymous{}, nil, nil)
	h := NewExamHub(reg, nil, nil)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}

	// A stopped hub can be restarted
	if err := h.Start(ctx); err != nil {
		t.Errorf("restart failed: %v", err)
	}
	h.Stop()
}

// TECHNICAL VALIDATION TEST: work queued before Stop is not replayed after a restart
func TestHub_RestartDiscardsStaleInvocations(t *testing.T) {
	reg := websocket.NewRegistry(types.ChannelNotification, websocket.AllowAnonymous{}, nil, nil)
	h := newHub(reg, 10, nil, nil)

	processed := make(chan string, 10)
	gate := make(chan struct{})
	h.handle = func(_ context.Context, inv *Invocation) {
		processed <- string(inv.Args)
		<-gate
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, arg := range []string{`"stale-0"`, `"stale-1"`, `"stale-2"`, `"stale-3"`} {
		if err := h.enqueue(&Invocation{Method: types.MethodSendNotification, Args: json.RawMessage(arg)}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never reached the loop")
	}

	// Stop while the loop is busy so the rest stays queued
	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop() }()
	deadline := time.Now().Add(2 * time.Second)
	for h.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(gate)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for len(processed) > 0 {
		<-processed
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer h.Stop()
	if err := h.enqueue(&Invocation{Method: types.MethodSendNotification, Args: json.RawMessage(`"fresh"`)}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-processed:
		if got != `"fresh"` {
			t.Fatalf("restart replayed %s before fresh work", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh invocation not processed")
	}
	select {
	case got := <-processed:
		t.Errorf("unexpected invocation %s after restart", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellationStopsLoop(t *testing.T) {
	reg := websocket.NewRegistry(types.ChannelNotification, websocket.AllowAnonymous{}, nil, nil)
	h := NewNotificationHub(reg, nil, NotificationOptions{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for h.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.IsRunning() {
		t.Error("hub should stop when its context is cancelled")
	}
}

func TestHub_RejectsWorkWhenStopped(t *testing.T) {
	reg := websocket.NewRegistry(types.ChannelExam, websocket.AllowAnonymous{}, nil, nil)
	h := NewExamHub(reg, nil, nil)

	_, err := h.PushExamAssignment(context.Background(), "ClassX", types.ExamAssignment{ExamID: "1"})
	if err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}
}

// Exam channel
func TestExamHub_AssignmentReachesOnlyClassGroup(t *testing.T) {
	h := startExamHub(t)
	a := connect(t, h.Hub, types.Principal{ID: "alice", Authenticated: true}, "ClassX")
	b := connect(t, h.Hub, types.Principal{ID: "bob", Authenticated: true}, "ClassX")
	c := connect(t, h.Hub, types.Principal{ID: "carol", Authenticated: true}, "ClassY")

	report, err := h.PushExamAssignment(context.Background(), "ClassX", types.ExamAssignment{ExamID: "42", Title: "Midterm"})
	if err != nil {
		t.Fatalf("PushExamAssignment failed: %v", err)
	}
	if report.Targeted != 2 || report.Delivered != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	for _, conn := range []*memoryConnection{a, b} {
		events := conn.events()
		if len(events) != 1 || events[0].Event != types.EventReceiveExam {
			t.Fatalf("member got %+v", events)
		}
		var got types.ExamAssignment
		json.Unmarshal(events[0].Payload, &got)
		if got.ExamID != "42" || got.ClassGroup != "ClassX" {
			t.Errorf("payload = %+v", got)
		}
	}
	if len(c.events()) != 0 {
		t.Error("ClassY member must not receive ClassX assignment")
	}
}

func TestExamHub_StatusChangeAfterLeave(t *testing.T) {
	h := startExamHub(t)
	a := connect(t, h.Hub, types.Principal{ID: "alice", Authenticated: true}, "ClassX")

	h.Registry().Leave(a.ID(), "ClassX")

	report, err := h.PushExamStatusChange(context.Background(), "ClassX", types.ExamStatusChange{ExamID: "42", Status: "started"})
	if err != nil {
		t.Fatalf("PushExamStatusChange failed: %v", err)
	}
	if report.Targeted != 0 || len(a.events()) != 0 {
		t.Errorf("left member should receive nothing, report %+v", report)
	}

	h.Registry().Join(a.ID(), "ClassX")
	h.PushExamStatusChange(context.Background(), "ClassX", types.ExamStatusChange{ExamID: "42", Status: "ended"})
	if events := a.events(); len(events) != 1 || events[0].Event != types.EventUpdateExamStatus {
		t.Errorf("rejoined member got %+v", events)
	}
}

func TestExamHub_ValidatesInput(t *testing.T) {
	h := startExamHub(t)
	ctx := context.Background()

	if _, err := h.PushExamAssignment(ctx, "ClassX", types.ExamAssignment{}); err != types.ErrMissingExamID {
		t.Errorf("expected ErrMissingExamID, got %v", err)
	}
	if _, err := h.PushExamAssignment(ctx, types.GroupAll, types.ExamAssignment{ExamID: "1"}); err != types.ErrInvalidGroupName {
		t.Errorf("exam pushes must target a class group, got %v", err)
	}
	if _, err := h.PushExamStatusChange(ctx, "ClassX", types.ExamStatusChange{ExamID: "1"}); err != types.ErrMissingStatus {
		t.Errorf("expected ErrMissingStatus, got %v", err)
	}
}

func TestExamHub_InvokeRejected(t *testing.T) {
	h := startExamHub(t)
	conn := connect(t, h.Hub, types.Principal{ID: "alice", Authenticated: true})

	if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`"hi"`)); err != interfaces.ErrUnknownMethod {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
}

// Notification channel
func TestNotificationHub_SendReachesEveryoneIncludingSender(t *testing.T) {
	h := startNotificationHub(t, NotificationOptions{})
	sender := connect(t, h.Hub, types.Anonymous())
	others := []*memoryConnection{connect(t, h.Hub, types.Anonymous()), connect(t, h.Hub, types.Principal{ID: "alice", Authenticated: true})}

	if err := h.Invoke(context.Background(), sender, types.MethodSendNotification, json.RawMessage(`"Exam tomorrow"`)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	for _, conn := range append(others, sender) {
		events := waitForEvents(t, conn, 1)
		if events[0].Event != types.EventReceiveNotification || string(events[0].Payload) != `"Exam tomorrow"` {
			t.Errorf("unexpected event %+v", events[0])
		}
	}

	// Exactly once for the sender
	time.Sleep(20 * time.Millisecond)
	if n := len(sender.events()); n != 1 {
		t.Errorf("sender received %d copies, want 1", n)
	}
}

func TestNotificationHub_Broadcast(t *testing.T) {
	h := startNotificationHub(t, NotificationOptions{})
	a := connect(t, h.Hub, types.Anonymous())

	report, err := h.Broadcast(context.Background(), types.Announcement(`{"title":"Maintenance","at":"22:00"}`))
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if report.Delivered != 1 || len(a.events()) != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	if _, err := h.Broadcast(context.Background(), types.Announcement(`nope`)); err != types.ErrInvalidAnnouncement {
		t.Errorf("expected ErrInvalidAnnouncement, got %v", err)
	}
}

func TestNotificationHub_RejectsUnknownMethodAndBadPayload(t *testing.T) {
	h := startNotificationHub(t, NotificationOptions{})
	conn := connect(t, h.Hub, types.Anonymous())

	if err := h.Invoke(context.Background(), conn, "DeleteEverything", nil); err != interfaces.ErrUnknownMethod {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
	if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`{oops`)); err != types.ErrInvalidAnnouncement {
		t.Errorf("expected ErrInvalidAnnouncement, got %v", err)
	}
}

func TestNotificationHub_AuthenticatedSenderPolicy(t *testing.T) {
	h := startNotificationHub(t, NotificationOptions{RequireAuthenticatedSender: true})
	anon := connect(t, h.Hub, types.Anonymous())
	alice := connect(t, h.Hub, types.Principal{ID: "alice", Authenticated: true})

	if err := h.Invoke(context.Background(), anon, types.MethodSendNotification, json.RawMessage(`"x"`)); err != interfaces.ErrUnauthorized {
		t.Errorf("anonymous sender should be refused, got %v", err)
	}
	if err := h.Invoke(context.Background(), alice, types.MethodSendNotification, json.RawMessage(`"x"`)); err != nil {
		t.Errorf("authenticated sender refused: %v", err)
	}
	// Anonymous clients still receive broadcasts
	waitForEvents(t, anon, 1)

	h.Configure(NotificationOptions{RequireAuthenticatedSender: false})
	if err := h.Invoke(context.Background(), anon, types.MethodSendNotification, json.RawMessage(`"y"`)); err != nil {
		t.Errorf("policy relaxation not applied: %v", err)
	}
}

func TestNotificationHub_RateLimit(t *testing.T) {
	h := startNotificationHub(t, NotificationOptions{RatePerSecond: 0.001, Burst: 2})
	conn := connect(t, h.Hub, types.Anonymous())

	for i := 0; i < 2; i++ {
		if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`1`)); err != nil {
			t.Fatalf("invoke %d failed: %v", i, err)
		}
	}
	if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`1`)); !errors.Is(err, dispatch.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// Unregistering drops the bucket
	h.Registry().Unregister(conn.ID())
	if h.limiter.Tracked() != 0 {
		t.Errorf("limiter still tracks %d buckets after unregister", h.limiter.Tracked())
	}
}

func TestNotificationHub_QueueFull(t *testing.T) {
	reg := websocket.NewRegistry(types.ChannelNotification, websocket.AllowAnonymous{}, nil, nil)
	h := NewNotificationHub(reg, nil, NotificationOptions{QueueSize: 1}, nil, nil)
	conn := newMemoryConnection(types.Anonymous())

	// Accepting without a running loop leaves the queue undrained
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`1`)); err != nil {
		t.Fatalf("first invoke failed: %v", err)
	}
	if err := h.Invoke(context.Background(), conn, types.MethodSendNotification, json.RawMessage(`2`)); err != ErrInvocationQueueFull {
		t.Errorf("expected ErrInvocationQueueFull, got %v", err)
	}
}

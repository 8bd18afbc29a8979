package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/llmule/broker/internal/registry"
)

// fakeHandle is a WriteHandle test double recording calls.
type fakeHandle struct {
	mu       sync.Mutex
	open     bool
	pingErr  error
	sent     []any
	closed   bool
	closeMsg string
}

func newFakeHandle() *fakeHandle { return &fakeHandle{open: true} }

func (f *fakeHandle) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("closed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeHandle) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("closed")
	}
	return f.pingErr
}

func (f *fakeHandle) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	f.closeMsg = reason
	return nil
}

func (f *fakeHandle) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeHandle) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func testConfig() registry.Config {
	return registry.Config{
		LoadThreshold:    5,
		PingInterval:     15 * time.Second,
		HeartbeatTimeout: 45 * time.Second,
	}
}

func TestRegister_StoresEntry(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	v, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"mistral:7b", "phi-4"}, newFakeHandle())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v.Status != registry.StatusActive || !v.Ready {
		t.Errorf("status = %v ready = %v, want active/ready", v.Status, v.Ready)
	}
	if len(v.Models) != 2 {
		t.Errorf("models = %v, want 2 entries", v.Models)
	}
	if v.AccountID != "acct-1" {
		t.Errorf("account = %q, want acct-1", v.AccountID)
	}
}

func TestRegister_DeduplicatesModels(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	v, err := r.Register(context.Background(), "sess-1", "acct-1",
		[]string{"mistral:7b", "", "mistral:7b", "phi-4"}, newFakeHandle())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	want := []string{"mistral:7b", "phi-4"}
	if len(v.Models) != len(want) {
		t.Fatalf("models = %v, want %v", v.Models, want)
	}
	for i := range want {
		if v.Models[i] != want[i] {
			t.Errorf("models[%d] = %q, want %q", i, v.Models[i], want[i])
		}
	}
}

func TestRegister_Idempotent(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	first, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	again, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4", "extra"}, newFakeHandle())
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if len(again.Models) != len(first.Models) {
		t.Errorf("re-registration duplicated state: models = %v", again.Models)
	}
	if got := len(r.ListActive()); got != 1 {
		t.Errorf("active entries = %d, want 1", got)
	}
}

func TestRegister_RejectsUnusableHandle(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	closed := newFakeHandle()
	closed.Close("test")

	if _, err := r.Register(context.Background(), "s", "a", []string{"m"}, closed); !errors.Is(err, registry.ErrHandleUnusable) {
		t.Errorf("err = %v, want ErrHandleUnusable", err)
	}
	if _, err := r.Register(context.Background(), "s", "a", []string{"m"}, nil); !errors.Is(err, registry.ErrHandleUnusable) {
		t.Errorf("nil handle err = %v, want ErrHandleUnusable", err)
	}
	if _, err := r.Register(context.Background(), "s", "a", nil, newFakeHandle()); !errors.Is(err, registry.ErrNoModels) {
		t.Errorf("empty models err = %v, want ErrNoModels", err)
	}
}

func TestHandle_Derivation(t *testing.T) {
	t.Parallel()

	// Deterministic and stable.
	h1 := registry.Handle("65f2a1b3c4d5e6f708091a2b")
	h2 := registry.Handle("65f2a1b3c4d5e6f708091a2b")
	if h1 != h2 {
		t.Errorf("handle not stable: %q vs %q", h1, h2)
	}
	if h1[:5] != "user_" {
		t.Errorf("handle = %q, want user_ prefix", h1)
	}

	// Total for short ids.
	if got := registry.Handle("ab"); got[:5] != "user_" {
		t.Errorf("short id handle = %q", got)
	}

	// Distinct leading bytes yield distinct handles.
	if registry.Handle("aaaa-rest") == registry.Handle("bbbb-rest") {
		t.Error("handles collide on differing leading bytes")
	}
}

func TestReserveRelease_Bookkeeping(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := r.Reserve("sess-1"); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}
	if err := r.Reserve("sess-1"); !errors.Is(err, registry.ErrOverloaded) {
		t.Errorf("Reserve over threshold err = %v, want ErrOverloaded", err)
	}
	if got := r.InFlight("sess-1"); got != 5 {
		t.Errorf("in-flight = %d, want 5", got)
	}

	for i := 0; i < 5; i++ {
		r.Release("sess-1")
	}
	if got := r.InFlight("sess-1"); got != 0 {
		t.Errorf("in-flight after release = %d, want 0", got)
	}

	// Release never goes negative.
	r.Release("sess-1")
	if got := r.InFlight("sess-1"); got != 0 {
		t.Errorf("in-flight after extra release = %d, want 0", got)
	}
}

func TestReserve_UnknownSession(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	if err := r.Reserve("ghost"); !errors.Is(err, registry.ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestRemove_ClosesHandleAndFiresHook(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		removed []string
	)
	r := registry.New(testConfig(), registry.WithOnRemove(func(sessionID, reason string) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, sessionID+":"+reason)
	}))

	wh := newFakeHandle()
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, wh); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Remove("sess-1", "test close")

	if !wh.closed {
		t.Error("write handle not closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "sess-1:test close" {
		t.Errorf("hook calls = %v", removed)
	}
	if got := len(r.ListActive()); got != 0 {
		t.Errorf("active entries after remove = %d, want 0", got)
	}

	// Removing again is a no-op and must not re-fire the hook.
	r.Remove("sess-1", "again")
	if len(removed) != 1 {
		t.Errorf("hook re-fired: %v", removed)
	}
}

func TestListActive_OrderAndFiltering(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := r.Register(context.Background(), id, "acct-"+id, []string{"phi-4"}, newFakeHandle()); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	r.Remove("s2", "gone")

	views := r.ListActive()
	if len(views) != 2 {
		t.Fatalf("active = %d, want 2", len(views))
	}
	if views[0].SessionID != "s1" || views[1].SessionID != "s3" {
		t.Errorf("order = [%s %s], want [s1 s3]", views[0].SessionID, views[1].SessionID)
	}
	if views[0].Seq >= views[1].Seq {
		t.Errorf("registration sequence not ordered: %d >= %d", views[0].Seq, views[1].Seq)
	}
}

func TestRecordSample_RollingWindow(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Fill the window with failures, then overwrite with successes: after
	// ten successful samples the failures must have aged out.
	for i := 0; i < 10; i++ {
		r.RecordSample("sess-1", registry.Sample{Success: false})
	}
	for i := 0; i < 10; i++ {
		r.RecordSample("sess-1", registry.Sample{TokensPerSecond: 40, Success: true})
	}

	views := r.ListActive()
	if len(views) != 1 {
		t.Fatalf("active = %d, want 1", len(views))
	}
	v := views[0]
	if v.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", v.SuccessRate)
	}
	if v.AvgTPS != 40 {
		t.Errorf("avg tps = %v, want 40", v.AvgTPS)
	}
	if v.MaxTPS != 40 {
		t.Errorf("max tps = %v, want 40", v.MaxTPS)
	}
}

func TestRecordSample_AvgOverSuccessfulOnly(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.RecordSample("sess-1", registry.Sample{TokensPerSecond: 100, Success: true})
	r.RecordSample("sess-1", registry.Sample{TokensPerSecond: 0, Success: false})

	v := r.ListActive()[0]
	if v.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", v.SuccessRate)
	}
	if v.AvgTPS != 100 {
		t.Errorf("avg tps = %v, want 100 (failures excluded)", v.AvgTPS)
	}
}

func TestMonitor_RemovesSilentSessions(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		reasons []string
	)
	cfg := registry.Config{
		LoadThreshold:    5,
		PingInterval:     10 * time.Millisecond,
		HeartbeatTimeout: 30 * time.Millisecond,
	}
	r := registry.New(cfg, registry.WithOnRemove(func(_, reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	}))

	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(r.Snapshot()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session not removed after heartbeat timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "heartbeat timeout" {
		t.Errorf("removal reasons = %v", reasons)
	}
}

func TestMonitor_RemovesOnPingFailure(t *testing.T) {
	t.Parallel()

	cfg := registry.Config{
		LoadThreshold:    5,
		PingInterval:     10 * time.Millisecond,
		HeartbeatTimeout: 10 * time.Second,
	}
	r := registry.New(cfg)

	wh := newFakeHandle()
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, wh); err != nil {
		t.Fatalf("Register: %v", err)
	}
	wh.setPingErr(errors.New("broken pipe"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(r.Snapshot()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session not removed after ping failure")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestHeartbeat_PromotesInactive(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())
	if _, err := r.Register(context.Background(), "sess-1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Heartbeat("sess-1"); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
	if err := r.Heartbeat("ghost"); !errors.Is(err, registry.ErrUnknownSession) {
		t.Errorf("Heartbeat unknown err = %v, want ErrUnknownSession", err)
	}
}

func TestAccountSessions(t *testing.T) {
	t.Parallel()
	r := registry.New(testConfig())

	if _, err := r.Register(context.Background(), "s1", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(context.Background(), "s2", "acct-1", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(context.Background(), "s3", "", []string{"phi-4"}, newFakeHandle()); err != nil {
		t.Fatalf("Register anonymous: %v", err)
	}

	if got := r.AccountSessions("acct-1"); len(got) != 2 {
		t.Errorf("sessions = %v, want 2", got)
	}

	r.Remove("s1", "bye")
	if got := r.AccountSessions("acct-1"); len(got) != 1 || got[0] != "s2" {
		t.Errorf("sessions after remove = %v, want [s2]", got)
	}
}

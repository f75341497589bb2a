package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ---------------------------------------------------------------------------
// Mock backend and screener
// ---------------------------------------------------------------------------

// mockBackend blocks until released (or ctx cancellation) and counts calls.
type mockBackend struct {
	calls   atomic.Int32
	release chan struct{} // closed/fed to let Generate return
	err     error
}

func newMockBackend() *mockBackend {
	return &mockBackend{release: make(chan struct{}, 16)}
}

func (b *mockBackend) Generate(ctx context.Context, req Request) ([]Artifact, error) {
	b.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
	}
	if b.err != nil {
		return nil, b.err
	}
	return []Artifact{{Name: "out_0.png", PNG: []byte("png")}}, nil
}

// wordScreener flags prompts containing any of its terms.
type wordScreener struct {
	terms []string
}

func (s *wordScreener) Screen(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, term := range s.terms {
		for _, word := range strings.Fields(lower) {
			if word == term {
				return term, true
			}
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func openTestController(t *testing.T, backend Backend) (*Controller, *history.Log) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.HistoryEntry{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	hlog, err := history.New(db)
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	ctrl, err := New(Opts{
		Backend:  backend,
		Log:      hlog,
		Screener: &wordScreener{terms: []string{"banned"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl, hlog
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func testRequest() Request {
	return Request{
		Kind:     models.ActionTxt2Img,
		UserID:   42,
		UserName: "alice",
		Prompt:   "a red fox in the snow",
		Model:    0,
	}
}

// ---------------------------------------------------------------------------
// Constructor tests
// ---------------------------------------------------------------------------

func TestNew_MissingDeps(t *testing.T) {
	backend := newMockBackend()
	_, hlog := openTestController(t, backend)

	if _, err := New(Opts{Log: hlog, Screener: &wordScreener{}}); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := New(Opts{Backend: backend, Screener: &wordScreener{}}); err == nil {
		t.Error("expected error for nil log")
	}
	if _, err := New(Opts{Backend: backend, Log: hlog}); err == nil {
		t.Error("expected error for nil screener")
	}
}

// ---------------------------------------------------------------------------
// Completed path
// ---------------------------------------------------------------------------

func TestSubmit_Completed(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)
	backend.release <- struct{}{}

	out, err := ctrl.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != Completed {
		t.Fatalf("Kind = %s, want completed", out.Kind)
	}
	if len(out.Artifacts) != 1 {
		t.Errorf("artifact count = %d, want 1", len(out.Artifacts))
	}

	entry, err := hlog.Latest(42)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if entry == nil || entry.Action != models.ActionTxt2Img || entry.Prompt != "a red fox in the snow" {
		t.Errorf("Latest = %+v", entry)
	}
	if entry.ID != out.EntryID {
		t.Errorf("EntryID = %d, history id = %d", out.EntryID, entry.ID)
	}
	if ctrl.Busy(42) {
		t.Error("user should not be busy after completion")
	}
}

// ---------------------------------------------------------------------------
// Single-flight gate
// ---------------------------------------------------------------------------

func TestSubmit_BusyRejection(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := ctrl.Submit(context.Background(), testRequest())
		done <- out
	}()
	waitUntil(t, func() bool { return ctrl.Busy(42) }, "first submit to start")

	_, err := ctrl.Submit(context.Background(), testRequest())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second submit err = %v, want ErrBusy", err)
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}

	backend.release <- struct{}{}
	<-done

	// The rejected submit wrote nothing.
	entries, _ := hlog.ForUser(42)
	if len(entries) != 1 {
		t.Errorf("history entries = %d, want 1", len(entries))
	}
}

func TestSubmit_ConcurrentSingleFlight(t *testing.T) {
	backend := newMockBackend()
	ctrl, _ := openTestController(t, backend)

	const n = 16
	var busy atomic.Int32
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ctrl.Submit(context.Background(), testRequest())
			if errors.Is(err, ErrBusy) {
				busy.Add(1)
				return
			}
			outcomes <- out
		}()
	}

	waitUntil(t, func() bool { return busy.Load() == n-1 }, "all but one submit rejected")
	backend.release <- struct{}{}
	wg.Wait()
	close(outcomes)

	var accepted int
	for range outcomes {
		accepted++
	}
	if accepted != 1 {
		t.Errorf("accepted submits = %d, want 1", accepted)
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestSubmit_AllowedAfterTerminal(t *testing.T) {
	backend := newMockBackend()
	ctrl, _ := openTestController(t, backend)

	backend.release <- struct{}{}
	if out, err := ctrl.Submit(context.Background(), testRequest()); err != nil || out.Kind != Completed {
		t.Fatalf("first submit = %+v, %v", out, err)
	}

	backend.release <- struct{}{}
	if out, err := ctrl.Submit(context.Background(), testRequest()); err != nil || out.Kind != Completed {
		t.Fatalf("second submit = %+v, %v", out, err)
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancel_MidFlight(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := ctrl.Submit(context.Background(), testRequest())
		done <- out
	}()
	waitUntil(t, func() bool { return ctrl.Busy(42) }, "submit to start")

	if !ctrl.Cancel(42) {
		t.Fatal("Cancel should find and signal the task")
	}

	out := <-done
	if out.Kind != Cancelled {
		t.Fatalf("Kind = %s, want cancelled", out.Kind)
	}

	// No history pollution from the cancelled attempt.
	entry, _ := hlog.Latest(42)
	if entry != nil {
		t.Errorf("cancelled attempt wrote history: %+v", entry)
	}
	if ctrl.Busy(42) {
		t.Error("handle should be removed after cancellation")
	}
}

func TestCancel_Idle(t *testing.T) {
	backend := newMockBackend()
	ctrl, _ := openTestController(t, backend)

	if ctrl.Cancel(42) {
		t.Error("Cancel with no task should return false")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	backend := newMockBackend()
	ctrl, _ := openTestController(t, backend)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := ctrl.Submit(context.Background(), testRequest())
		done <- out
	}()
	waitUntil(t, func() bool { return ctrl.Busy(42) }, "submit to start")

	first := ctrl.Cancel(42)
	second := ctrl.Cancel(42)
	if !first {
		t.Error("first cancel should signal")
	}
	if second {
		t.Error("second cancel should be a no-op")
	}
	<-done

	if ctrl.Cancel(42) {
		t.Error("cancel after terminal state should return false")
	}
}

// TestSubmit_TerminalRaceDeterminism races backend completion against the
// cancellation signal. Exactly one of Completed/Cancelled wins each round,
// and history records an entry only for the completed rounds.
func TestSubmit_TerminalRaceDeterminism(t *testing.T) {
	for round := 0; round < 25; round++ {
		backend := newMockBackend()
		ctrl, hlog := openTestController(t, backend)

		done := make(chan Outcome, 1)
		go func() {
			out, _ := ctrl.Submit(context.Background(), testRequest())
			done <- out
		}()
		waitUntil(t, func() bool { return ctrl.Busy(42) }, "submit to start")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			backend.release <- struct{}{}
		}()
		go func() {
			defer wg.Done()
			ctrl.Cancel(42)
		}()
		wg.Wait()

		out := <-done
		entries, _ := hlog.ForUser(42)
		switch out.Kind {
		case Completed:
			if len(entries) != 1 {
				t.Fatalf("round %d: completed but %d entries", round, len(entries))
			}
		case Cancelled:
			if len(entries) != 0 {
				t.Fatalf("round %d: cancelled but %d entries", round, len(entries))
			}
		default:
			t.Fatalf("round %d: unexpected outcome %s", round, out.Kind)
		}
		if ctrl.Busy(42) {
			t.Fatalf("round %d: handle leaked", round)
		}
	}
}

// ---------------------------------------------------------------------------
// Moderation
// ---------------------------------------------------------------------------

func TestSubmit_Blocked(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)

	req := testRequest()
	req.Prompt = "a banned subject"
	out, err := ctrl.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != Blocked {
		t.Fatalf("Kind = %s, want blocked", out.Kind)
	}
	if out.Term != "banned" {
		t.Errorf("Term = %q, want banned", out.Term)
	}
	if got := backend.calls.Load(); got != 0 {
		t.Errorf("backend calls = %d, want 0 for blocked content", got)
	}

	entry, _ := hlog.Latest(42)
	if entry == nil || !entry.Blocked {
		t.Fatalf("expected flagged entry, got %+v", entry)
	}
	if entry.Action != models.ActionTxt2Img {
		t.Errorf("Action = %q, want intended action", entry.Action)
	}
	if ctrl.Busy(42) {
		t.Error("handle should be removed after block")
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestSubmit_BackendFailure(t *testing.T) {
	backend := newMockBackend()
	backend.err = fmt.Errorf("http 500")
	ctrl, hlog := openTestController(t, backend)
	backend.release <- struct{}{}

	out, err := ctrl.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != Failed {
		t.Fatalf("Kind = %s, want failed", out.Kind)
	}
	if out.Err == nil {
		t.Error("Failed outcome should carry the reason")
	}

	// Failed attempts write nothing.
	entry, _ := hlog.Latest(42)
	if entry != nil {
		t.Errorf("failed attempt wrote history: %+v", entry)
	}
	if ctrl.Busy(42) {
		t.Error("handle should be removed after failure")
	}
}

func TestSubmit_StorageFailureReleasesHandle(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)
	backend.release <- struct{}{}

	// Make the completion write fail.
	if err := hlog.DB().Migrator().DropTable(&models.HistoryEntry{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	out, err := ctrl.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != Failed {
		t.Fatalf("Kind = %s, want failed", out.Kind)
	}
	if !errors.Is(out.Err, history.ErrStorageUnavailable) {
		t.Errorf("Err = %v, want ErrStorageUnavailable", out.Err)
	}
	if ctrl.Busy(42) {
		t.Error("a failed log write must not leave the user busy")
	}
}

func TestSubmit_ParentContextCancelled(t *testing.T) {
	backend := newMockBackend()
	ctrl, hlog := openTestController(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := ctrl.Submit(ctx, testRequest())
		done <- out
	}()
	waitUntil(t, func() bool { return ctrl.Busy(42) }, "submit to start")
	cancel()

	out := <-done
	if out.Kind != Cancelled {
		t.Fatalf("Kind = %s, want cancelled on shutdown", out.Kind)
	}
	entry, _ := hlog.Latest(42)
	if entry != nil {
		t.Errorf("aborted attempt wrote history: %+v", entry)
	}
}

// ---------------------------------------------------------------------------
// Busy / ActiveCount
// ---------------------------------------------------------------------------

func TestBusy_PerUser(t *testing.T) {
	backend := newMockBackend()
	ctrl, _ := openTestController(t, backend)

	done := make(chan struct{})
	go func() {
		ctrl.Submit(context.Background(), testRequest())
		close(done)
	}()
	waitUntil(t, func() bool { return ctrl.Busy(42) }, "submit to start")

	if ctrl.Busy(7) {
		t.Error("user 7 should not be busy")
	}
	if ctrl.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", ctrl.ActiveCount())
	}

	backend.release <- struct{}{}
	<-done
	if ctrl.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", ctrl.ActiveCount())
	}
}

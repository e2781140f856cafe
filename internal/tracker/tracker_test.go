package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookchat/internal/gateway"
	"bookchat/pkg/domain"
)

// scriptedFetcher returns processing until the configured attempt, then
// the final state. It counts every status call.
type scriptedFetcher struct {
	mu         sync.Mutex
	calls      int
	readyAt    int
	failAt     int
	err        error
	lastTokens []string
}

func (f *scriptedFetcher) GetBook(_ context.Context, token, id string) (domain.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastTokens = append(f.lastTokens, token)
	if f.err != nil {
		return domain.Book{}, f.err
	}
	book := domain.Book{ID: id, ProcessingState: domain.StateProcessing}
	if f.readyAt > 0 && f.calls >= f.readyAt {
		book.ProcessingState = domain.StateReady
	}
	if f.failAt > 0 && f.calls >= f.failAt {
		book.ProcessingState = domain.StateFailed
	}
	return book, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestTracker(f StatusFetcher, maxAttempts int, updates chan Update) *Tracker {
	return New(Config{
		Fetch:       f,
		Token:       func() string { return "tok" },
		Interval:    time.Millisecond,
		MaxAttempts: maxAttempts,
		Notify:      func(u Update) { updates <- u },
	})
}

func waitForPhase(t *testing.T, updates chan Update, want Phase) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Phase == want {
				return u
			}
			if u.Phase != PhasePolling {
				t.Fatalf("unexpected terminal phase %q while waiting for %q", u.Phase, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %q", want)
		}
	}
}

func TestReadyOnThirdPollStopsAfterExactlyThreeCalls(t *testing.T) {
	fetcher := &scriptedFetcher{readyAt: 3}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 60, updates)
	defer tr.Close()

	if !tr.Start("b1") {
		t.Fatal("start should begin a poll")
	}
	u := waitForPhase(t, updates, PhaseReady)
	if u.Attempt != 3 || !u.Book.Ready() {
		t.Fatalf("unexpected ready update: %+v", u)
	}

	// Give a stray timer a chance to tick again, then verify it did not.
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 3 {
		t.Fatalf("expected exactly 3 status calls, got %d", got)
	}
	if tr.Polling("b1") {
		t.Fatal("poll should be released after ready")
	}
}

func TestPollingBoundTransitionsToTimedOut(t *testing.T) {
	fetcher := &scriptedFetcher{}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 5, updates)
	defer tr.Close()

	tr.Start("b1")
	u := waitForPhase(t, updates, PhaseTimedOut)
	if u.Attempt != 5 || u.MaxAttempts != 5 {
		t.Fatalf("unexpected timeout update: %+v", u)
	}

	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 5 {
		t.Fatalf("expected exactly 5 status calls before timeout, got %d", got)
	}
}

func TestSecondStartForSameBookIsNoOp(t *testing.T) {
	fetcher := &scriptedFetcher{readyAt: 4}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 60, updates)
	defer tr.Close()

	if !tr.Start("b1") {
		t.Fatal("first start should win")
	}
	if tr.Start("b1") {
		t.Fatal("second start for the same id must be a no-op")
	}

	waitForPhase(t, updates, PhaseReady)
	time.Sleep(20 * time.Millisecond)
	// One active timer means one call per tick, so exactly readyAt calls.
	if got := fetcher.callCount(); got != 4 {
		t.Fatalf("expected 4 status calls from a single poller, got %d", got)
	}
}

func TestCancelReleasesThePoll(t *testing.T) {
	fetcher := &scriptedFetcher{}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 1000, updates)
	defer tr.Close()

	tr.Start("b1")
	waitForPhase(t, updates, PhasePolling)
	tr.Cancel("b1")
	waitForPhase(t, updates, PhaseCancelled)

	if tr.Polling("b1") {
		t.Fatal("cancelled poll should be released")
	}
	// The id can be polled again after cancellation.
	if !tr.Start("b1") {
		t.Fatal("start after cancel should begin a fresh poll")
	}
}

func TestProcessingFailureIsTerminal(t *testing.T) {
	fetcher := &scriptedFetcher{failAt: 2}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 60, updates)
	defer tr.Close()

	tr.Start("b1")
	u := waitForPhase(t, updates, PhaseFailed)
	if u.Book.ProcessingState != domain.StateFailed {
		t.Fatalf("unexpected failed update: %+v", u)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("expected polling to stop on failure, got %d calls", got)
	}
}

func TestUnauthorizedStopsPollingWithItsOwnPhase(t *testing.T) {
	fetcher := &scriptedFetcher{err: &gateway.APIError{Status: 401, Message: "expired"}}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 60, updates)
	defer tr.Close()

	tr.Start("b1")
	u := waitForPhase(t, updates, PhaseUnauthorized)
	if !errors.Is(u.Err, gateway.ErrUnauthorized) {
		t.Fatalf("update must carry the 401, got %v", u.Err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected polling to stop on 401, got %d calls", got)
	}
	if tr.Polling("b1") {
		t.Fatal("poll should be released after 401")
	}
}

func TestMissingBookStopsPollingAsFailed(t *testing.T) {
	fetcher := &scriptedFetcher{err: &gateway.APIError{Status: 404, Message: "Book not found"}}
	updates := make(chan Update, 128)
	tr := newTestTracker(fetcher, 60, updates)
	defer tr.Close()

	tr.Start("b1")
	u := waitForPhase(t, updates, PhaseFailed)
	if !errors.Is(u.Err, gateway.ErrNotFound) {
		t.Fatalf("update must carry the 404, got %v", u.Err)
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	fetcher := &scriptedFetcher{}
	updates := make(chan Update, 256)
	tr := newTestTracker(fetcher, 1000, updates)

	tr.Start("b1")
	tr.Start("b2")
	tr.Close()

	if tr.Polling("b1") || tr.Polling("b2") {
		t.Fatal("close should release all polls")
	}
	if tr.Start("b3") {
		t.Fatal("start after close must be rejected")
	}
}

// Package tracker drives a book from uploaded to ready by polling the
// Gateway's status endpoint. Each book gets at most one bounded,
// cancellable polling task; the timer is released on every exit path.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bookchat/internal/gateway"
	"bookchat/pkg/domain"
)

// Phase is the tracker's state for one book.
type Phase string

const (
	PhasePolling      Phase = "polling"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
	PhaseTimedOut     Phase = "timed_out"
	PhaseCancelled    Phase = "cancelled"
	PhaseUnauthorized Phase = "unauthorized"
)

// Update is one tick's report. For PhasePolling, Attempt/MaxAttempts is
// the progress estimate. For PhaseReady, Book carries the fresh state.
type Update struct {
	BookID      string
	Phase       Phase
	Attempt     int
	MaxAttempts int
	Book        domain.Book
	Err         error
}

// StatusFetcher polls one book's status.
type StatusFetcher interface {
	GetBook(ctx context.Context, token, id string) (domain.Book, error)
}

// Config wires a Tracker.
type Config struct {
	Fetch       StatusFetcher
	Token       func() string
	Interval    time.Duration
	MaxAttempts int
	Notify      func(Update)
	Logger      *slog.Logger
}

// Tracker owns all active polls. Safe for concurrent use.
type Tracker struct {
	fetch       StatusFetcher
	token       func() string
	interval    time.Duration
	maxAttempts int
	notify      func(Update)
	log         *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// New constructs a tracker. Interval defaults to 5s, MaxAttempts to 60.
func New(cfg Config) *Tracker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Update) {}
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		fetch:       cfg.Fetch,
		token:       token,
		interval:    interval,
		maxAttempts: maxAttempts,
		notify:      notify,
		log:         log,
		active:      make(map[string]context.CancelFunc),
	}
}

// Start begins polling for a book id. Starting an id that is already
// being polled is a no-op and returns false.
func (t *Tracker) Start(bookID string) bool {
	if bookID == "" {
		return false
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if _, running := t.active[bookID]; running {
		t.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.active[bookID] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go t.poll(ctx, bookID)
	return true
}

// Cancel stops the poll for one book, if any. Used on book removal.
func (t *Tracker) Cancel(bookID string) {
	t.mu.Lock()
	cancel, ok := t.active[bookID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels every active poll and waits for the tasks to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	cancels := make([]context.CancelFunc, 0, len(t.active))
	for _, cancel := range t.active {
		cancels = append(cancels, cancel)
	}
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
}

// Polling reports whether a poll is active for the book id.
func (t *Tracker) Polling(bookID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[bookID]
	return ok
}

func (t *Tracker) poll(ctx context.Context, bookID string) {
	defer t.wg.Done()
	defer t.release(bookID)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			t.notify(Update{BookID: bookID, Phase: PhaseCancelled, Attempt: attempt - 1, MaxAttempts: t.maxAttempts})
			return
		case <-ticker.C:
		}

		book, err := t.fetch.GetBook(ctx, t.token(), bookID)
		if err != nil {
			// A 401 is not a processing failure: the consumer must wipe
			// the signed-in state, so it gets its own phase.
			if errors.Is(err, gateway.ErrUnauthorized) {
				t.notify(Update{BookID: bookID, Phase: PhaseUnauthorized, Attempt: attempt, MaxAttempts: t.maxAttempts, Err: err})
				return
			}
			if errors.Is(err, gateway.ErrNotFound) {
				t.notify(Update{BookID: bookID, Phase: PhaseFailed, Attempt: attempt, MaxAttempts: t.maxAttempts, Err: err})
				return
			}
			// Transient failures consume an attempt but keep polling.
			t.log.Debug("status poll failed", "book_id", bookID, "attempt", attempt, "err", err)
			t.notify(Update{BookID: bookID, Phase: PhasePolling, Attempt: attempt, MaxAttempts: t.maxAttempts, Err: err})
			continue
		}

		switch book.ProcessingState {
		case domain.StateReady:
			t.notify(Update{BookID: bookID, Phase: PhaseReady, Attempt: attempt, MaxAttempts: t.maxAttempts, Book: book})
			return
		case domain.StateFailed:
			t.notify(Update{BookID: bookID, Phase: PhaseFailed, Attempt: attempt, MaxAttempts: t.maxAttempts, Book: book})
			return
		default:
			t.notify(Update{BookID: bookID, Phase: PhasePolling, Attempt: attempt, MaxAttempts: t.maxAttempts, Book: book})
		}
	}

	// Bound exceeded: terminal soft failure, no auto-retry.
	t.notify(Update{BookID: bookID, Phase: PhaseTimedOut, Attempt: t.maxAttempts, MaxAttempts: t.maxAttempts})
}

func (t *Tracker) release(bookID string) {
	t.mu.Lock()
	cancel, ok := t.active[bookID]
	delete(t.active, bookID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

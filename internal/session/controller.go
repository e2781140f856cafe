// Package session owns the current conversation: the session id variant,
// the ordered message list and the active book. It orchestrates the
// Gateway, the snapshot store and the event bus so every surface sees
// one consistent session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"bookchat/internal/bus"
	"bookchat/internal/gateway"
	"bookchat/internal/identity"
	"bookchat/internal/snapshot"
	"bookchat/pkg/domain"
)

const (
	noticeBookProcessing = "This book is still being processed. Please wait for ingestion to finish before chatting."
	noticeNoBook         = "No book is selected. Upload a book before chatting."
	noticeChatNotFound   = "This chat could not be found. It may have been removed."
)

// Gateway is the slice of the backend the controller needs.
type Gateway interface {
	Chat(ctx context.Context, token string, req gateway.ChatRequest) (gateway.ChatResult, error)
	History(ctx context.Context, token, sessionID string) (gateway.History, error)
	GetBook(ctx context.Context, token, id string) (domain.Book, error)
	DeleteBook(ctx context.Context, token, id string) error
}

// PollCanceller releases an active processing poll for a book.
type PollCanceller interface {
	Cancel(bookID string)
}

// Config wires a Controller.
type Config struct {
	Gateway          Gateway
	Store            *snapshot.Store
	Bus              *bus.Bus
	Identity         *identity.Identity
	Polls            PollCanceller
	Mode             string
	IncludeCitations bool
	Logger           *slog.Logger
}

// Controller is the session lifecycle state machine. All operations that
// touch the Gateway are serialized behind one mutex so a resume can
// never interleave with an in-flight send; state reads stay cheap behind
// a second, short-lived lock.
type Controller struct {
	opMu sync.Mutex // serializes resume/send/switch/remove end to end

	gw    Gateway
	store *snapshot.Store
	bus   *bus.Bus
	ident *identity.Identity
	polls PollCanceller
	mode  string
	cites bool
	log   *slog.Logger

	mu       sync.Mutex // guards the fields below
	book     *domain.Book
	ref      domain.SessionRef
	messages []domain.Message
}

// New constructs a controller in the Unresolved state: persistence has
// not been consulted until Restore runs.
func New(cfg Config) (*Controller, error) {
	if cfg.Gateway == nil || cfg.Store == nil || cfg.Identity == nil {
		return nil, errors.New("session controller requires gateway, store and identity")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "book_brain"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	return &Controller{
		gw:    cfg.Gateway,
		store: cfg.Store,
		bus:   b,
		ident: cfg.Identity,
		polls: cfg.Polls,
		mode:  mode,
		cites: cfg.IncludeCitations,
		log:   log,
		ref:   domain.UnresolvedRef(),
	}, nil
}

// Restore consults the persisted snapshot once, revalidating the saved
// book against the Gateway before trusting its processing state. After
// Restore the ref is New (nothing saved) or Bound (saved session).
func (c *Controller) Restore(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	owner := c.ident.OwnerID()
	savedBook, hasBook := c.store.LoadBook(owner)
	savedID, hasSession := c.store.LoadSessionID(owner)
	savedMsgs, hasMsgs := c.store.LoadMessages(owner)

	var book *domain.Book
	if hasBook {
		fresh, err := c.gw.GetBook(ctx, c.ident.Token(), savedBook.ID)
		switch {
		case errors.Is(err, gateway.ErrUnauthorized):
			c.wipe()
			return fmt.Errorf("restore: %w", err)
		case errors.Is(err, gateway.ErrNotFound):
			// The book is gone server-side; drop the stale entry.
			_ = c.store.ClearBook(owner)
		case err != nil:
			// Transport trouble: keep the snapshot but demote the state
			// so nothing trusts a stale Ready.
			savedBook.ProcessingState = domain.StateProcessing
			book = &savedBook
			c.log.Warn("book revalidation failed", "book_id", savedBook.ID, "err", err)
		default:
			book = &fresh
			_ = c.store.SaveBook(owner, fresh)
		}
	}

	c.mu.Lock()
	c.book = book
	if hasSession {
		c.ref = domain.BoundRef(savedID)
		if hasMsgs {
			c.messages = savedMsgs
		}
	} else {
		c.ref = domain.NewChatRef()
		c.messages = nil
	}
	c.mu.Unlock()
	return nil
}

// Resume fetches a session's history and binds to it. A missing session
// renders an inline notice instead of failing; a 401 wipes everything.
func (c *Controller) Resume(ctx context.Context, id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.resume(ctx, id)
}

// SwitchTo is Resume unless the controller is already bound to id.
func (c *Controller) SwitchTo(ctx context.Context, id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current, bound := c.ref.Bound()
	c.mu.Unlock()
	if bound && current == id {
		return nil
	}
	return c.resume(ctx, id)
}

func (c *Controller) resume(ctx context.Context, id string) error {
	hist, err := c.gw.History(ctx, c.ident.Token(), id)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.wipe()
			return fmt.Errorf("resume: %w", err)
		}
		c.mu.Lock()
		if errors.Is(err, gateway.ErrNotFound) {
			// The chat is gone; nothing to preserve.
			c.messages = nil
			c.appendLocked(domain.RoleAssistant, noticeChatNotFound, nil)
		} else {
			// Transient failure: keep whatever the user was viewing and
			// report inline.
			c.appendLocked(domain.RoleAssistant, "Could not load this chat: "+err.Error(), nil)
		}
		c.mu.Unlock()
		c.log.Warn("resume failed", "session_id", id, "err", err)
		return nil
	}

	owner := c.ident.OwnerID()

	// Bind the session's book when it differs from the current one, so
	// the conversation and the book can never drift apart.
	var book *domain.Book
	c.mu.Lock()
	if c.book != nil && c.book.ID == hist.BookID {
		book = c.book
	}
	c.mu.Unlock()
	if book == nil && hist.BookID != "" {
		fresh, err := c.gw.GetBook(ctx, c.ident.Token(), hist.BookID)
		if err != nil {
			if errors.Is(err, gateway.ErrUnauthorized) {
				c.wipe()
				return fmt.Errorf("resume: %w", err)
			}
			c.log.Warn("could not load session book", "book_id", hist.BookID, "err", err)
		} else {
			book = &fresh
			_ = c.store.SaveBook(owner, fresh)
		}
	}

	c.mu.Lock()
	c.ref = domain.BoundRef(id)
	c.messages = hist.Messages
	if book != nil {
		c.book = book
	}
	c.mu.Unlock()

	_ = c.store.SaveSessionID(owner, id)
	_ = c.store.SaveMessages(owner, hist.Messages)
	return nil
}

// SendMessage appends the user message optimistically, then asks the
// Gateway for the assistant reply. The user message is never rolled
// back; failures surface as synthetic assistant messages. Only a 401
// returns an error, after wiping all local state.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.book == nil {
		c.appendLocked(domain.RoleAssistant, noticeNoBook, nil)
		c.mu.Unlock()
		return nil
	}
	if !c.book.Ready() {
		// Canonical policy: block client-side, no network call.
		c.appendLocked(domain.RoleAssistant, noticeBookProcessing, nil)
		c.mu.Unlock()
		return nil
	}
	bookID := c.book.ID
	sessionID, _ := c.ref.Bound()
	c.appendLocked(domain.RoleUser, content, nil)
	c.mu.Unlock()

	owner := c.ident.OwnerID()
	_ = c.store.SaveMessages(owner, c.Messages())

	result, err := c.gw.Chat(ctx, c.ident.Token(), gateway.ChatRequest{
		BookID:           bookID,
		Message:          content,
		Mode:             c.mode,
		SessionID:        sessionID,
		IncludeCitations: c.cites,
	})
	if err != nil {
		return c.handleSendError(err)
	}

	adopted := false
	c.mu.Lock()
	if _, bound := c.ref.Bound(); !bound {
		c.ref = domain.BoundRef(result.SessionID)
		adopted = true
	}
	c.appendLocked(domain.RoleAssistant, result.Reply, result.Citations)
	c.mu.Unlock()

	if adopted {
		_ = c.store.SaveSessionID(owner, result.SessionID)
	}
	_ = c.store.SaveMessages(owner, c.Messages())

	if adopted {
		c.bus.Publish(bus.TopicSessionCreated, result.SessionID)
	}
	c.bus.Publish(bus.TopicMessageSent, result.SessionID)
	return nil
}

func (c *Controller) handleSendError(err error) error {
	if errors.Is(err, gateway.ErrUnauthorized) {
		c.wipe()
		return fmt.Errorf("send message: %w", err)
	}

	notice := "Something went wrong while answering. Please try again."
	switch {
	case errors.Is(err, gateway.ErrBookProcessing):
		notice = noticeBookProcessing
		var demoted *domain.Book
		c.mu.Lock()
		if c.book != nil {
			c.book.ProcessingState = domain.StateProcessing
			b := *c.book
			demoted = &b
		}
		c.mu.Unlock()
		if demoted != nil {
			_ = c.store.SaveBook(c.ident.OwnerID(), *demoted)
		}
	default:
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			notice = "The server could not answer: " + apiErr.Message
		}
	}

	c.mu.Lock()
	c.appendLocked(domain.RoleAssistant, notice, nil)
	c.mu.Unlock()
	_ = c.store.SaveMessages(c.ident.OwnerID(), c.Messages())
	c.log.Warn("send failed", "err", err)
	return nil
}

// NewChat resets to an explicit new conversation. No network call.
func (c *Controller) NewChat() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.ref = domain.NewChatRef()
	c.messages = nil
	c.mu.Unlock()

	owner := c.ident.OwnerID()
	_ = c.store.ClearSessionID(owner)
	_ = c.store.ClearMessages(owner)
}

// AttachBook makes a book current (after upload, or when the tracker
// reports a state change) and persists it.
func (c *Controller) AttachBook(book domain.Book) {
	c.mu.Lock()
	c.book = &book
	c.mu.Unlock()
	_ = c.store.SaveBook(c.ident.OwnerID(), book)
}

// RemoveBook deletes the current book server-side, cancels its poll and
// clears every local trace of book, session and messages.
func (c *Controller) RemoveBook(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	book := c.book
	c.mu.Unlock()
	if book == nil {
		return nil
	}
	if c.polls != nil {
		c.polls.Cancel(book.ID)
	}
	if err := c.gw.DeleteBook(ctx, c.ident.Token(), book.ID); err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.wipe()
			return fmt.Errorf("remove book: %w", err)
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return fmt.Errorf("remove book: %w", err)
		}
	}

	c.mu.Lock()
	c.book = nil
	c.ref = domain.NewChatRef()
	c.messages = nil
	c.mu.Unlock()
	return c.store.Clear(c.ident.OwnerID())
}

// Logout clears local and persisted state and drops the identity.
func (c *Controller) Logout() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.wipe()
}

// Deauthorize applies the 401 rule for Gateway calls the controller
// does not make itself, such as a status poll or a session listing:
// the same global wipe a 401 on send or resume triggers.
func (c *Controller) Deauthorize() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.wipe()
}

// wipe clears book, session, messages, the durable snapshot and the
// identity. Invoked on logout and on any 401.
func (c *Controller) wipe() {
	owner := c.ident.OwnerID()

	c.mu.Lock()
	book := c.book
	c.book = nil
	c.ref = domain.UnresolvedRef()
	c.messages = nil
	c.mu.Unlock()

	if book != nil && c.polls != nil {
		c.polls.Cancel(book.ID)
	}
	if owner != "" {
		if err := c.store.Clear(owner); err != nil {
			c.log.Warn("snapshot wipe failed", "err", err)
		}
	}
	c.ident.Clear()
}

// Messages returns a copy of the ordered message list.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Book returns the current book, if any.
func (c *Controller) Book() (domain.Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.book == nil {
		return domain.Book{}, false
	}
	return *c.book, true
}

// Ref returns the current session id variant.
func (c *Controller) Ref() domain.SessionRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

func (c *Controller) appendLocked(role domain.MessageRole, content string, citations []domain.Citation) {
	c.messages = append(c.messages, domain.Message{
		Role:      role,
		Content:   content,
		Sequence:  len(c.messages) + 1,
		Citations: citations,
	})
}

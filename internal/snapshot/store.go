// Package snapshot persists the last-known book, session id and message
// list so a restarted client can resume where it left off. The snapshot
// is three independent entries per owner; a corrupt entry is discarded
// silently so it can never block recovery of the others.
package snapshot

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"bookchat/pkg/domain"
)

// Entry keys. Each is stored and wiped independently.
const (
	KeySessionID = "session_id"
	KeyBook      = "book"
	KeyMessages  = "messages"
)

// ErrNotFound is returned by backends for missing entries.
var ErrNotFound = errors.New("snapshot entry not found")

// Backend is a durable string-keyed store namespaced per owner.
type Backend interface {
	Put(owner, key string, value []byte) error
	Get(owner, key string) ([]byte, error)
	Delete(owner, key string) error
	// Clear removes all entries of one owner.
	Clear(owner string) error
	Close() error
}

// Store wraps a Backend with the snapshot's typed entries. Reads never
// fail: anything unreadable or unparseable reports absent.
type Store struct {
	backend Backend
	log     *slog.Logger
}

// New wraps a backend. A nil logger falls back to slog.Default.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log}
}

// SaveSessionID persists the current session id.
func (s *Store) SaveSessionID(owner, id string) error {
	return s.backend.Put(owner, KeySessionID, []byte(id))
}

// LoadSessionID returns the persisted session id, if any.
func (s *Store) LoadSessionID(owner string) (string, bool) {
	data, ok := s.load(owner, KeySessionID)
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	return id, id != ""
}

// ClearSessionID removes only the session entry; book and messages stay.
func (s *Store) ClearSessionID(owner string) error {
	return s.backend.Delete(owner, KeySessionID)
}

// SaveBook persists the last-known book.
func (s *Store) SaveBook(owner string, b domain.Book) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.backend.Put(owner, KeyBook, data)
}

// LoadBook returns the persisted book, if present and parseable. The
// caller must revalidate ProcessingState against the Gateway before
// trusting it.
func (s *Store) LoadBook(owner string) (domain.Book, bool) {
	data, ok := s.load(owner, KeyBook)
	if !ok {
		return domain.Book{}, false
	}
	var b domain.Book
	if err := json.Unmarshal(data, &b); err != nil {
		s.log.Debug("discarding corrupt book snapshot", "owner", owner, "err", err)
		return domain.Book{}, false
	}
	if b.ID == "" {
		return domain.Book{}, false
	}
	return b, true
}

// ClearBook removes only the book entry.
func (s *Store) ClearBook(owner string) error {
	return s.backend.Delete(owner, KeyBook)
}

// SaveMessages persists the ordered message list.
func (s *Store) SaveMessages(owner string, msgs []domain.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.backend.Put(owner, KeyMessages, data)
}

// LoadMessages returns the persisted message list, if parseable.
func (s *Store) LoadMessages(owner string) ([]domain.Message, bool) {
	data, ok := s.load(owner, KeyMessages)
	if !ok {
		return nil, false
	}
	var msgs []domain.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.log.Debug("discarding corrupt messages snapshot", "owner", owner, "err", err)
		return nil, false
	}
	return msgs, true
}

// ClearMessages removes only the messages entry.
func (s *Store) ClearMessages(owner string) error {
	return s.backend.Delete(owner, KeyMessages)
}

// Clear wipes every entry of the owner. Called on logout and on any 401.
func (s *Store) Clear(owner string) error {
	return s.backend.Clear(owner)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) load(owner, key string) ([]byte, bool) {
	data, err := s.backend.Get(owner, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Debug("snapshot read failed", "owner", owner, "key", key, "err", err)
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

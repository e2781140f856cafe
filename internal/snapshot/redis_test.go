package snapshot

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisStore(t *testing.T) *Store {
	t.Helper()
	srv := miniredis.RunT(t)
	backend, err := NewRedisBackend(srv.Addr(), "", time.Hour)
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return New(backend, nil)
}

func TestRedisRoundTrip(t *testing.T) {
	s := newRedisStore(t)

	if err := s.SaveSessionID("owner1", "s1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	id, ok := s.LoadSessionID("owner1")
	if !ok || id != "s1" {
		t.Fatalf("load: ok=%v id=%q", ok, id)
	}
	if _, ok := s.LoadSessionID("owner2"); ok {
		t.Fatal("owners must be isolated")
	}
}

func TestRedisClearRemovesAllThreeEntries(t *testing.T) {
	s := newRedisStore(t)

	if err := s.SaveSessionID("owner1", "s1"); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := s.SaveMessages("owner1", nil); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := s.Clear("owner1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := s.LoadSessionID("owner1"); ok {
		t.Fatal("session should be cleared")
	}
	if _, ok := s.LoadMessages("owner1"); ok {
		t.Fatal("messages should be cleared")
	}
}

func TestRedisMissingEntryReadsAsAbsent(t *testing.T) {
	s := newRedisStore(t)
	if _, ok := s.LoadBook("nobody"); ok {
		t.Fatal("missing book should read as absent")
	}
}

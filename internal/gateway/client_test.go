package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bookchat/pkg/domain"
)

func TestLoginReturnsTokenPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["email"] != "a@b.c" || body["password"] != "secret12" {
			t.Fatalf("unexpected payload: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok",
			"refresh_token": "ref",
			"token_type":    "bearer",
			"expires_in":    1800,
		})
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL).Login(context.Background(), "a@b.c", "secret12")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if creds.AccessToken != "tok" || creds.RefreshToken != "ref" || creds.ExpiresIn != 1800 {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestRefreshExchangesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/refresh" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["refresh_token"] != "ref" {
			t.Fatalf("unexpected payload: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok2",
			"refresh_token": "ref2",
			"token_type":    "bearer",
			"expires_in":    1800,
		})
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL).Refresh(context.Background(), "ref")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if creds.AccessToken != "tok2" || creds.RefreshToken != "ref2" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestUploadBookSendsMultipartAndMapsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/books/upload" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("missing bearer header, got %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "novel.epub" {
			t.Fatalf("unexpected filename %q", hdr.Filename)
		}
		if got := r.FormValue("title"); got != "Novel" {
			t.Fatalf("unexpected title %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":                "b1",
			"title":             "Novel",
			"is_processed":      false,
			"processing_status": "pending",
		})
	}))
	defer srv.Close()

	var reports []int
	book, err := NewClient(srv.URL).UploadBook(context.Background(), "tok", "novel.epub",
		strings.NewReader("epub bytes"), UploadOptions{Title: "Novel", Progress: func(pct int) {
			reports = append(reports, pct)
		}})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if book.ID != "b1" || book.ProcessingState != domain.StateUploading {
		t.Fatalf("unexpected book: %+v", book)
	}
	if len(reports) == 0 || reports[len(reports)-1] != 100 {
		t.Fatalf("expected progress to finish at 100, got %v", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Fatalf("progress went backwards: %v", reports)
		}
	}
}

func TestChatOmitsEmptySessionID(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"session_id": "s1", "ai_response": "hi"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Chat(context.Background(), "tok", ChatRequest{BookID: "b1", Message: "hello", Mode: "book_brain"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.SessionID != "s1" || result.Reply != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, present := raw["session_id"]; present {
		t.Fatalf("session_id should be omitted when empty, got %v", raw)
	}

	if _, err := c.Chat(context.Background(), "tok", ChatRequest{BookID: "b1", Message: "again", Mode: "book_brain", SessionID: "s1"}); err != nil {
		t.Fatalf("chat with session: %v", err)
	}
	if raw["session_id"] != "s1" {
		t.Fatalf("expected session_id s1 in payload, got %v", raw)
	}
}

func TestHistoryMapsRolesAndSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/history/s9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"role": "user", "content": "q"},
				{"role": "assistant", "content": "a"},
			},
			"total":      2,
			"session_id": "s9",
			"book_id":    "b1",
		})
	}))
	defer srv.Close()

	hist, err := NewClient(srv.URL).History(context.Background(), "tok", "s9")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.BookID != "b1" || len(hist.Messages) != 2 {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if hist.Messages[0].Role != domain.RoleUser || hist.Messages[0].Sequence != 1 {
		t.Fatalf("unexpected first message: %+v", hist.Messages[0])
	}
	if hist.Messages[1].Role != domain.RoleAssistant || hist.Messages[1].Sequence != 2 {
		t.Fatalf("unexpected second message: %+v", hist.Messages[1])
	}
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/books/gone":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Book not found"})
		case "/auth/me":
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
		case "/chat/":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Book is still being processed. Please wait."})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := c.GetBook(ctx, "tok", "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Me(ctx, "tok"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	_, err := c.Chat(ctx, "tok", ChatRequest{BookID: "b1", Message: "hi", Mode: "book_brain"})
	if !errors.Is(err, ErrBookProcessing) {
		t.Fatalf("expected ErrBookProcessing, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected APIError with status 400, got %v", err)
	}
}

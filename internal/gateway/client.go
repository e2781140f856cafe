package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookchat/internal/util"
	"bookchat/pkg/domain"
)

// Sentinel errors for the failure classes callers branch on. Any other
// 4xx/5xx surfaces as a plain *APIError.
var (
	// ErrUnauthorized maps 401 responses. Callers must wipe local state.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound maps 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrBookProcessing maps the server-side "book is still being
	// processed" rejection of a chat call.
	ErrBookProcessing = errors.New("book still processing")
)

// APIError represents a Gateway error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap maps well-known statuses onto sentinel errors so call sites can
// use errors.Is without inspecting status codes.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Message), "still being processed"):
		return ErrBookProcessing
	}
	return nil
}

// Client calls the backend Gateway over HTTP. It is the only component
// that knows the wire encoding; everything above it works with domain
// types.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Gateway client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Credentials is the token pair returned by login/register/refresh.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Account is the identity behind a bearer token.
type Account struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Register creates an account and returns its token pair.
func (c *Client) Register(ctx context.Context, email, password string) (Credentials, error) {
	payload := map[string]string{"email": email, "password": password}
	var creds Credentials
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", "", payload, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Login validates credentials and returns a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Credentials, error) {
	payload := map[string]string{"email": email, "password": password}
	var creds Credentials
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", payload, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	var creds Credentials
	if err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", payload, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Me resolves the current identity for a token.
func (c *Client) Me(ctx context.Context, token string) (Account, error) {
	var acct Account
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", token, nil, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// UploadOptions carries optional metadata and a progress callback for an
// upload. Progress receives monotonically non-decreasing percentages in
// [0,100].
type UploadOptions struct {
	Title    string
	Author   string
	Progress func(pct int)
}

// UploadBook streams a file to the Gateway and returns the created book.
func (c *Client) UploadBook(ctx context.Context, token, filename string, r io.Reader, opts UploadOptions) (domain.Book, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return domain.Book{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return domain.Book{}, fmt.Errorf("read upload: %w", err)
	}
	if opts.Title != "" {
		if err := writer.WriteField("title", opts.Title); err != nil {
			return domain.Book{}, err
		}
	}
	if opts.Author != "" {
		if err := writer.WriteField("author", opts.Author); err != nil {
			return domain.Book{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return domain.Book{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/books/upload",
		newProgressReader(body, int64(body.Len()), opts.Progress))
	if err != nil {
		return domain.Book{}, err
	}
	req.ContentLength = int64(body.Len())
	addAuthHeader(req, token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp bookResponse
	if err := c.do(req, &resp); err != nil {
		return domain.Book{}, err
	}
	if opts.Progress != nil {
		opts.Progress(100)
	}
	return resp.toDomain(), nil
}

// GetBook fetches the current status of a book. The tracker polls this.
func (c *Client) GetBook(ctx context.Context, token, id string) (domain.Book, error) {
	var resp bookResponse
	path := fmt.Sprintf("/books/%s", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return domain.Book{}, err
	}
	return resp.toDomain(), nil
}

// DeleteBook removes a book and its server-side data.
func (c *Client) DeleteBook(ctx context.Context, token, id string) error {
	path := fmt.Sprintf("/books/%s", url.PathEscape(id))
	return c.doJSON(ctx, http.MethodDelete, path, token, nil, nil)
}

// ChatRequest is one outgoing chat turn.
type ChatRequest struct {
	BookID           string `json:"book_id"`
	Message          string `json:"message"`
	Mode             string `json:"mode"`
	SessionID        string `json:"session_id,omitempty"`
	IncludeCitations bool   `json:"include_citations,omitempty"`
}

// ChatResult is the server's answer to one chat turn. SessionID is
// authoritative: when the request carried none, the server issues one.
type ChatResult struct {
	SessionID string            `json:"session_id"`
	Reply     string            `json:"ai_response"`
	Citations []domain.Citation `json:"citations,omitempty"`
}

// Chat sends one message and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, token string, chatReq ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.doJSON(ctx, http.MethodPost, "/chat/", token, chatReq, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// History is the full ordered message list of one session.
type History struct {
	BookID   string
	Messages []domain.Message
}

// History fetches a session's messages in order.
func (c *Client) History(ctx context.Context, token, sessionID string) (History, error) {
	var resp historyResponse
	path := fmt.Sprintf("/chat/history/%s", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return History{}, err
	}
	out := History{BookID: resp.BookID, Messages: make([]domain.Message, 0, len(resp.Messages))}
	for i, m := range resp.Messages {
		role := domain.RoleAssistant
		if m.Role == string(domain.RoleUser) {
			role = domain.RoleUser
		}
		out.Messages = append(out.Messages, domain.Message{
			Role:     role,
			Content:  m.Content,
			Sequence: i + 1,
		})
	}
	return out, nil
}

// ListSessions returns the session summaries, optionally scoped to a book.
func (c *Client) ListSessions(ctx context.Context, token, bookID string) ([]domain.SessionSummary, error) {
	path := "/chat/sessions"
	if bookID != "" {
		path += "?book_id=" + url.QueryEscape(bookID)
	}
	var sessions []domain.SessionSummary
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req, token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-Request-Id", util.NewID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Detail
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

type bookResponse struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Author           string `json:"author"`
	IsProcessed      bool   `json:"is_processed"`
	ProcessingStatus string `json:"processing_status"`
}

func (b bookResponse) toDomain() domain.Book {
	state := domain.StateProcessing
	switch {
	case b.IsProcessed:
		state = domain.StateReady
	case b.ProcessingStatus == "failed":
		state = domain.StateFailed
	case b.ProcessingStatus == "pending":
		state = domain.StateUploading
	}
	return domain.Book{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ProcessingState: state,
	}
}

type historyResponse struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Total     int    `json:"total"`
	SessionID string `json:"session_id"`
	BookID    string `json:"book_id"`
}

package domain

import "time"

type ProcessingState string

const (
	StateUploading  ProcessingState = "uploading"
	StateProcessing ProcessingState = "processing"
	StateReady      ProcessingState = "ready"
	StateFailed     ProcessingState = "failed"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Book is an uploaded document plus its server-tracked ingestion status.
// Only the processing tracker mutates ProcessingState after upload.
type Book struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Author          string          `json:"author,omitempty"`
	ProcessingState ProcessingState `json:"processingState"`
}

// Ready reports whether the book can be chatted with.
func (b Book) Ready() bool {
	return b.ProcessingState == StateReady
}

// Message is one turn of a conversation. Messages are append-only and
// ordered by Sequence within a session; the client never reorders or
// deduplicates them.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Sequence  int         `json:"sequence"`
	Citations []Citation  `json:"citations,omitempty"`
}

// Citation points back into the book for an assistant answer.
type Citation struct {
	Page           int     `json:"page,omitempty"`
	Chapter        string  `json:"chapter,omitempty"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SessionSummary is one row of the server's session listing.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	BookID     string    `json:"book_id"`
	CreatedAt  time.Time `json:"created_at"`
	BookTitle  string    `json:"book_title"`
	BookAuthor string    `json:"book_author"`
}

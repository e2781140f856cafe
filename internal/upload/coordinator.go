// Package upload validates and transmits book files to the Gateway.
package upload

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"bookchat/internal/gateway"
	"bookchat/pkg/domain"
)

// ValidationError rejects a file before any network call is made.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

// Uploader transmits a file and returns the created book.
type Uploader interface {
	UploadBook(ctx context.Context, token, filename string, r io.Reader, opts gateway.UploadOptions) (domain.Book, error)
}

// PollStarter begins processing-status polling for a book id.
type PollStarter interface {
	Start(bookID string) bool
}

// Coordinator validates a file against the allow-list, streams it to the
// Gateway with progress reporting, and hands unprocessed books to the
// tracker. Failed uploads are not retried; the caller must resubmit.
type Coordinator struct {
	uploader Uploader
	tracker  PollStarter
	allowed  map[string]bool
	maxBytes int64
}

// New constructs a coordinator. tracker may be nil when no polling is
// wanted (tests). maxBytes 0 disables the size check.
func New(uploader Uploader, tracker PollStarter, allowedExtensions []string, maxBytes int64) *Coordinator {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Coordinator{uploader: uploader, tracker: tracker, allowed: allowed, maxBytes: maxBytes}
}

// Submit validates and uploads one file. Progress receives monotonically
// non-decreasing percentages. When the returned book is not yet
// processed, its id is handed to the tracker before returning.
func (c *Coordinator) Submit(ctx context.Context, token, filename string, r io.Reader, size int64, opts gateway.UploadOptions) (domain.Book, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !c.allowed[ext] {
		return domain.Book{}, &ValidationError{Filename: filename, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return domain.Book{}, &ValidationError{Filename: filename, Reason: fmt.Sprintf("file exceeds %d bytes", c.maxBytes)}
	}

	book, err := c.uploader.UploadBook(ctx, token, filename, r, opts)
	if err != nil {
		return domain.Book{}, fmt.Errorf("upload failed: %w", err)
	}
	if !book.Ready() && c.tracker != nil {
		c.tracker.Start(book.ID)
	}
	return book, nil
}

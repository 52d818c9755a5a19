package docstore

import (
	"context"
	"errors"
	"time"
)

// AnyRev skips the revision check on save. Reserved for administrative
// tooling and migrations; workflow code always saves against the revision
// it read.
const AnyRev = "*"

var (
	// ErrNotFound reports a missing document on delete.
	ErrNotFound = errors.New("docstore: not found")
	// ErrRevisionMismatch reports a conditional save that lost the race:
	// the document changed (or appeared) since the caller's read.
	ErrRevisionMismatch = errors.New("docstore: revision mismatch")
	// ErrBackendFailure wraps I/O and backend errors. The store never
	// retries; callers re-issue the whole operation.
	ErrBackendFailure = errors.New("docstore: backend failure")
)

// FileInfo describes one stored document in a listing.
type FileInfo struct {
	Path        string
	Locator     string
	Size        int64
	UpdatedAt   time.Time
	ContentType string
}

// Store is a path-keyed document store. The same path always denotes the
// same logical document regardless of the physical backend (object in a
// bucket, row keyed by path). Every save is conditional on the revision
// the caller last read: expectRev "" means create-only, AnyRev bypasses
// the check. Reads of an absent path return ok=false, not an error.
type Store interface {
	ReadJSON(ctx context.Context, path string, out any) (rev string, ok bool, err error)
	SaveJSON(ctx context.Context, path string, value any, expectRev string) (newRev string, err error)
	ReadText(ctx context.Context, path string) (text string, rev string, ok bool, err error)
	SaveText(ctx context.Context, path string, text string, expectRev string) (newRev string, err error)
	ListFiles(ctx context.Context, prefix string) ([]FileInfo, error)
	DeleteFile(ctx context.Context, locator string) error
}

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

package ledger

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"pagescribe/pkg/docstore"
	"pagescribe/pkg/domain"
)

const pagesPrefix = "data/pages/"

// casAttempts bounds how often a mutation re-reads and revalidates after
// losing a conditional write. Preconditions are re-checked on every pass.
const casAttempts = 3

// PagesPath returns the document path holding a book's full page sequence.
func PagesPath(book string) string {
	return pagesPrefix + book + ".json"
}

// Pages is the page-claim ledger. One document per book holds the entire
// ordered page sequence; every mutation is a read-validate-mutate cycle
// persisted with a conditional write against the revision it read.
type Pages struct {
	store docstore.Store
	now   func() time.Time
}

// NewPages builds the ledger over a document store. A nil clock defaults
// to UTC wall time.
func NewPages(store docstore.Store, now func() time.Time) *Pages {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pages{store: store, now: now}
}

// Claim reserves a page for the caller. Claiming a page the caller already
// holds refreshes the claim timestamp; claiming a completed page reopens it
// for a fresh pass.
func (p *Pages) Claim(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	if err := checkIdentity(who); err != nil {
		return domain.PageRecord{}, err
	}
	now := p.now()
	return p.update(ctx, book, number, func(rec *domain.PageRecord) error {
		if rec.Status == domain.StatusInProgress && rec.ClaimedByID != who.UserID {
			return fmt.Errorf("page %d claimed by %s: %w", number, rec.ClaimedBy, ErrConflict)
		}
		if rec.Status == domain.StatusCompleted {
			rec.CompletedAt = nil
		}
		rec.Status = domain.StatusInProgress
		rec.ClaimedBy = who.UserName
		rec.ClaimedByID = who.UserID
		at := now
		rec.ClaimedAt = &at
		return nil
	})
}

// Release gives up the caller's claim and returns the page to available.
// Releasing a completed page is always rejected.
func (p *Pages) Release(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	if err := checkIdentity(who); err != nil {
		return domain.PageRecord{}, err
	}
	return p.update(ctx, book, number, func(rec *domain.PageRecord) error {
		if rec.Status == domain.StatusCompleted {
			return fmt.Errorf("page %d is completed: %w", number, ErrValidation)
		}
		if rec.Status != domain.StatusInProgress || rec.ClaimedByID != who.UserID {
			return fmt.Errorf("page %d is not held by caller: %w", number, ErrForbidden)
		}
		rec.Status = domain.StatusAvailable
		rec.ClaimedBy = ""
		rec.ClaimedByID = ""
		rec.ClaimedAt = nil
		return nil
	})
}

// Complete marks the caller's claimed page as finished. The claim fields
// stay on the record as provenance.
func (p *Pages) Complete(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	if err := checkIdentity(who); err != nil {
		return domain.PageRecord{}, err
	}
	now := p.now()
	return p.update(ctx, book, number, func(rec *domain.PageRecord) error {
		if rec.Status != domain.StatusInProgress || rec.ClaimedByID != who.UserID {
			return fmt.Errorf("page %d is not held by caller: %w", number, ErrForbidden)
		}
		rec.Status = domain.StatusCompleted
		at := now
		rec.CompletedAt = &at
		return nil
	})
}

// PageUpdate carries administrative field overwrites. Nil fields are left
// untouched.
type PageUpdate struct {
	Status      *domain.PageStatus `json:"status,omitempty"`
	ClaimedBy   *string            `json:"claimedBy,omitempty"`
	ClaimedByID *string            `json:"claimedById,omitempty"`
	Thumbnail   *string            `json:"thumbnail,omitempty"`
}

// AdminUpdate overwrites page fields without ownership checks. The caller's
// admin capability is verified upstream. Forcing status back to available
// clears every claim and completion field regardless of the current holder.
func (p *Pages) AdminUpdate(ctx context.Context, book string, number int, upd PageUpdate, who domain.Identity) (domain.PageRecord, error) {
	if upd.Status != nil {
		switch *upd.Status {
		case domain.StatusAvailable, domain.StatusInProgress, domain.StatusCompleted:
		default:
			return domain.PageRecord{}, fmt.Errorf("status %q: %w", *upd.Status, ErrValidation)
		}
	}
	now := p.now()
	return p.update(ctx, book, number, func(rec *domain.PageRecord) error {
		if upd.Thumbnail != nil {
			if rec.Thumbnail != "" && *upd.Thumbnail != rec.Thumbnail {
				return fmt.Errorf("page %d thumbnail is immutable: %w", number, ErrValidation)
			}
			rec.Thumbnail = *upd.Thumbnail
		}
		if upd.ClaimedBy != nil {
			rec.ClaimedBy = *upd.ClaimedBy
		}
		if upd.ClaimedByID != nil {
			rec.ClaimedByID = *upd.ClaimedByID
		}
		if upd.Status != nil {
			rec.Status = *upd.Status
			switch *upd.Status {
			case domain.StatusAvailable:
				rec.ClaimedBy = ""
				rec.ClaimedByID = ""
				rec.ClaimedAt = nil
				rec.CompletedAt = nil
			case domain.StatusCompleted:
				if rec.CompletedAt == nil {
					at := now
					rec.CompletedAt = &at
				}
			}
		}
		// An in_progress page always names its claimant.
		if rec.Status == domain.StatusInProgress && rec.ClaimedByID == "" {
			return fmt.Errorf("page %d in progress without a claimant: %w", number, ErrValidation)
		}
		at := now
		rec.UpdatedAt = &at
		rec.UpdatedBy = who.UserID
		return nil
	})
}

// List returns a book's full page sequence.
func (p *Pages) List(ctx context.Context, book string) ([]domain.PageRecord, error) {
	if strings.TrimSpace(book) == "" {
		return nil, fmt.Errorf("book name required: %w", ErrValidation)
	}
	var pages []domain.PageRecord
	_, ok, err := p.store.ReadJSON(ctx, PagesPath(book), &pages)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("book %s: %w", book, ErrNotFound)
	}
	return pages, nil
}

// Books enumerates books that have a page document.
func (p *Pages) Books(ctx context.Context) ([]string, error) {
	files, err := p.store.ListFiles(ctx, pagesPrefix)
	if err != nil {
		return nil, err
	}
	books := make([]string, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(path.Base(f.Path), ".json")
		if name != "" {
			books = append(books, name)
		}
	}
	return books, nil
}

// DeleteBook removes a book's page document as a unit.
func (p *Pages) DeleteBook(ctx context.Context, book string) error {
	if strings.TrimSpace(book) == "" {
		return fmt.Errorf("book name required: %w", ErrValidation)
	}
	err := p.store.DeleteFile(ctx, PagesPath(book))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("book %s: %w", book, ErrNotFound)
	}
	return err
}

func (p *Pages) update(ctx context.Context, book string, number int, apply func(*domain.PageRecord) error) (domain.PageRecord, error) {
	if strings.TrimSpace(book) == "" {
		return domain.PageRecord{}, fmt.Errorf("book name required: %w", ErrValidation)
	}
	if number <= 0 {
		return domain.PageRecord{}, fmt.Errorf("page number must be positive: %w", ErrValidation)
	}
	docPath := PagesPath(book)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var pages []domain.PageRecord
		rev, ok, err := p.store.ReadJSON(ctx, docPath, &pages)
		if err != nil {
			return domain.PageRecord{}, err
		}
		if !ok {
			return domain.PageRecord{}, fmt.Errorf("book %s: %w", book, ErrNotFound)
		}
		idx := -1
		for i := range pages {
			if pages[i].Number == number {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.PageRecord{}, fmt.Errorf("page %d in %s: %w", number, book, ErrNotFound)
		}
		if err := apply(&pages[idx]); err != nil {
			return domain.PageRecord{}, err
		}
		if _, err := p.store.SaveJSON(ctx, docPath, pages, rev); err != nil {
			if errors.Is(err, docstore.ErrRevisionMismatch) {
				continue
			}
			return domain.PageRecord{}, err
		}
		return pages[idx], nil
	}
	return domain.PageRecord{}, fmt.Errorf("page %d in %s: concurrent update: %w", number, book, ErrConflict)
}

func checkIdentity(who domain.Identity) error {
	if strings.TrimSpace(who.UserID) == "" {
		return fmt.Errorf("user id required: %w", ErrValidation)
	}
	return nil
}

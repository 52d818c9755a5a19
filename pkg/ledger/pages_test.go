package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pagescribe/pkg/docstore"
	"pagescribe/pkg/domain"
)

var (
	userA = domain.Identity{UserID: "user-a", UserName: "Ada", Role: domain.RoleUser}
	userB = domain.Identity{UserID: "user-b", UserName: "Ben", Role: domain.RoleUser}
	admin = domain.Identity{UserID: "admin-1", UserName: "Root", Role: domain.RoleAdmin}
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedBook(t *testing.T, store docstore.Store, book string, count int) {
	t.Helper()
	pages := make([]domain.PageRecord, 0, count)
	for i := 1; i <= count; i++ {
		pages = append(pages, domain.PageRecord{Number: i, Status: domain.StatusAvailable})
	}
	if _, err := store.SaveJSON(context.Background(), PagesPath(book), pages, ""); err != nil {
		t.Fatalf("seed book %s: %v", book, err)
	}
}

func storedPage(t *testing.T, store docstore.Store, book string, number int) domain.PageRecord {
	t.Helper()
	var pages []domain.PageRecord
	_, ok, err := store.ReadJSON(context.Background(), PagesPath(book), &pages)
	if err != nil || !ok {
		t.Fatalf("read book %s: ok=%v err=%v", book, ok, err)
	}
	for _, rec := range pages {
		if rec.Number == number {
			return rec
		}
	}
	t.Fatalf("page %d missing from %s", number, book)
	return domain.PageRecord{}
}

func TestClaimAvailablePage(t *testing.T) {
	store := docstore.NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pages := NewPages(store, fixedClock(now))
	seedBook(t, store, "aleph", 5)

	rec, err := pages.Claim(context.Background(), "aleph", 3, userA)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.Status != domain.StatusInProgress || rec.ClaimedByID != userA.UserID || rec.ClaimedBy != userA.UserName {
		t.Fatalf("unexpected record after claim: %+v", rec)
	}
	if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(now) {
		t.Fatalf("claimedAt not set to clock: %v", rec.ClaimedAt)
	}
}

func TestClaimConflictLeavesRecordUnchanged(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 3, userA); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	before := storedPage(t, store, "aleph", 3)

	_, err := pages.Claim(context.Background(), "aleph", 3, userB)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	after := storedPage(t, store, "aleph", 3)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed by failed claim: before=%+v after=%+v", before, after)
	}
	if after.ClaimedByID != userA.UserID {
		t.Fatalf("holder lost: %+v", after)
	}
}

func TestClaimByHolderRefreshesClaim(t *testing.T) {
	store := docstore.NewMemoryStore()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := first
	pages := NewPages(store, func() time.Time { return current })
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 2, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	current = first.Add(10 * time.Minute)
	rec, err := pages.Claim(context.Background(), "aleph", 2, userA)
	if err != nil {
		t.Fatalf("re-claim by holder: %v", err)
	}
	if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(current) {
		t.Fatalf("claimedAt not refreshed: %v", rec.ClaimedAt)
	}
}

func TestClaimMissingPageOrBook(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 2)

	if _, err := pages.Claim(context.Background(), "aleph", 9, userA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing page, got %v", err)
	}
	if _, err := pages.Claim(context.Background(), "nowhere", 1, userA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing book, got %v", err)
	}
}

func TestReleaseClearsClaimFields(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 5, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, err := pages.Release(context.Background(), "aleph", 5, userA)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.Status != domain.StatusAvailable {
		t.Fatalf("status after release: %v", rec.Status)
	}
	if rec.ClaimedBy != "" || rec.ClaimedByID != "" || rec.ClaimedAt != nil {
		t.Fatalf("claim fields not cleared: %+v", rec)
	}
}

func TestReleaseByNonHolderForbidden(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 1, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before := storedPage(t, store, "aleph", 1)
	if _, err := pages.Release(context.Background(), "aleph", 1, userB); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	after := storedPage(t, store, "aleph", 1)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed by forbidden release")
	}
}

func TestReleaseCompletedPageRejected(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 3, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := pages.Complete(context.Background(), "aleph", 3, userA); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before := storedPage(t, store, "aleph", 3)
	if _, err := pages.Release(context.Background(), "aleph", 3, userA); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected rejection for completed page, got %v", err)
	}
	after := storedPage(t, store, "aleph", 3)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("completed record changed by rejected release")
	}
}

func TestCompleteKeepsClaimProvenance(t *testing.T) {
	store := docstore.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pages := NewPages(store, fixedClock(now))
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 3, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, err := pages.Complete(context.Background(), "aleph", 3, userA)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status after complete: %v", rec.Status)
	}
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(now) {
		t.Fatalf("completedAt not set: %v", rec.CompletedAt)
	}
	if rec.ClaimedByID != userA.UserID || rec.ClaimedAt == nil {
		t.Fatalf("claim provenance lost: %+v", rec)
	}
}

func TestCompleteByNonHolderForbidden(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 5)

	if _, err := pages.Claim(context.Background(), "aleph", 4, userA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before := storedPage(t, store, "aleph", 4)
	if _, err := pages.Complete(context.Background(), "aleph", 4, userB); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if after := storedPage(t, store, "aleph", 4); !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed by forbidden complete")
	}
}

func TestAdminResetClearsHold(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 8)

	userC := domain.Identity{UserID: "user-c", UserName: "Cam", Role: domain.RoleUser}
	if _, err := pages.Claim(context.Background(), "aleph", 7, userC); err != nil {
		t.Fatalf("claim: %v", err)
	}

	status := domain.StatusAvailable
	rec, err := pages.AdminUpdate(context.Background(), "aleph", 7, PageUpdate{Status: &status}, admin)
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if rec.Status != domain.StatusAvailable {
		t.Fatalf("status after reset: %v", rec.Status)
	}
	if rec.ClaimedBy != "" || rec.ClaimedByID != "" || rec.ClaimedAt != nil || rec.CompletedAt != nil {
		t.Fatalf("claim fields not force-cleared: %+v", rec)
	}
	if rec.UpdatedBy != admin.UserID || rec.UpdatedAt == nil {
		t.Fatalf("audit trail missing: %+v", rec)
	}
}

func TestAdminUpdateThumbnailImmutable(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 2)

	thumb := "thumbs/aleph/1.png"
	if _, err := pages.AdminUpdate(context.Background(), "aleph", 1, PageUpdate{Thumbnail: &thumb}, admin); err != nil {
		t.Fatalf("set thumbnail: %v", err)
	}
	other := "thumbs/aleph/other.png"
	if _, err := pages.AdminUpdate(context.Background(), "aleph", 1, PageUpdate{Thumbnail: &other}, admin); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on thumbnail change, got %v", err)
	}
}

func TestAdminUpdateInProgressRequiresClaimant(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 3)

	inProgress := domain.StatusInProgress
	before := storedPage(t, store, "aleph", 1)
	if _, err := pages.AdminUpdate(context.Background(), "aleph", 1, PageUpdate{Status: &inProgress}, admin); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without claimant, got %v", err)
	}
	if after := storedPage(t, store, "aleph", 1); !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed by rejected admin update")
	}

	// Naming the claimant in the same update is fine.
	claimant := "user-c"
	name := "Cam"
	rec, err := pages.AdminUpdate(context.Background(), "aleph", 1, PageUpdate{Status: &inProgress, ClaimedBy: &name, ClaimedByID: &claimant}, admin)
	if err != nil {
		t.Fatalf("admin assign: %v", err)
	}
	if rec.Status != domain.StatusInProgress || rec.ClaimedByID != claimant {
		t.Fatalf("assignment not applied: %+v", rec)
	}

	// Clearing the claimant while the page stays in progress is rejected too.
	empty := ""
	if _, err := pages.AdminUpdate(context.Background(), "aleph", 1, PageUpdate{ClaimedByID: &empty}, admin); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error clearing claimant, got %v", err)
	}
}

func TestAdminUpdateMissingPage(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 2)

	status := domain.StatusAvailable
	if _, err := pages.AdminUpdate(context.Background(), "aleph", 99, PageUpdate{Status: &status}, admin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// contendedStore forces a fixed number of revision mismatches before
// letting saves through, mimicking a concurrent writer.
type contendedStore struct {
	docstore.Store
	failures int
}

func (c *contendedStore) SaveJSON(ctx context.Context, path string, value any, expectRev string) (string, error) {
	if c.failures > 0 {
		c.failures--
		return "", fmt.Errorf("save %s: %w", path, docstore.ErrRevisionMismatch)
	}
	return c.Store.SaveJSON(ctx, path, value, expectRev)
}

func TestClaimRetriesAfterLostConditionalWrite(t *testing.T) {
	mem := docstore.NewMemoryStore()
	store := &contendedStore{Store: mem, failures: 1}
	pages := NewPages(store, nil)
	seedBook(t, mem, "aleph", 3)

	rec, err := pages.Claim(context.Background(), "aleph", 2, userA)
	if err != nil {
		t.Fatalf("claim with one lost write: %v", err)
	}
	if rec.ClaimedByID != userA.UserID {
		t.Fatalf("unexpected holder: %+v", rec)
	}
}

func TestClaimGivesUpAfterRepeatedContention(t *testing.T) {
	mem := docstore.NewMemoryStore()
	store := &contendedStore{Store: mem, failures: casAttempts}
	pages := NewPages(store, nil)
	seedBook(t, mem, "aleph", 3)

	if _, err := pages.Claim(context.Background(), "aleph", 2, userA); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict after exhausted retries, got %v", err)
	}
}

func TestBooksAndDeleteBook(t *testing.T) {
	store := docstore.NewMemoryStore()
	pages := NewPages(store, nil)
	seedBook(t, store, "aleph", 1)
	seedBook(t, store, "beth", 1)

	books, err := pages.Books(context.Background())
	if err != nil {
		t.Fatalf("books: %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("expected 2 books, got %v", books)
	}

	if err := pages.DeleteBook(context.Background(), "beth"); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if err := pages.DeleteBook(context.Background(), "beth"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := pages.List(context.Background(), "beth"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found listing deleted book, got %v", err)
	}
}

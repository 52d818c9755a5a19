package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagescribe/internal/ratelimit"
	"pagescribe/pkg/auth"
	"pagescribe/pkg/domain"
	"pagescribe/pkg/events"
	"pagescribe/pkg/ledger"
	"pagescribe/pkg/stats"
)

// releasePenalty is debited from a user's balance when they give a page
// back, floored at zero by the ledger. There is no symmetric credit here;
// granting points for completions is a separate policy owned by the admin
// tooling that seeds balances.
const releasePenalty = 5

// Config wires the workflow dependencies.
type Config struct {
	Pages        *ledger.Pages
	Users        *ledger.Users
	Stats        *stats.Cache
	Events       events.Publisher
	ClaimLimiter *ratelimit.FixedWindowLimiter
}

// App implements the transcription workflow over the ledgers. Every
// operation validates before writing, so a rejected request never changes
// stored state.
type App struct {
	pages        *ledger.Pages
	users        *ledger.Users
	stats        *stats.Cache
	events       events.Publisher
	claimLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the workflow app.
func New(cfg Config) (*App, error) {
	if cfg.Pages == nil || cfg.Users == nil {
		return nil, errors.New("app requires page and user ledgers")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &App{
		pages:        cfg.Pages,
		users:        cfg.Users,
		stats:        cfg.Stats,
		events:       publisher,
		claimLimiter: cfg.ClaimLimiter,
	}, nil
}

// ClaimPage reserves a page for the caller.
func (a *App) ClaimPage(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	if a.claimLimiter != nil && !a.claimLimiter.Allow(who.UserID) {
		return domain.PageRecord{}, fmt.Errorf("claim quota exceeded: %w", ErrRateLimited)
	}
	rec, err := a.pages.Claim(ctx, book, number, who)
	if err != nil {
		return domain.PageRecord{}, err
	}
	a.publish(ctx, events.Event{Type: events.TypePageClaimed, Book: book, Page: number, UserID: who.UserID, UserName: who.UserName})
	return rec, nil
}

// ReleasePage gives a claimed page back and debits the release penalty.
// The page transition is the durable part and is never undone; a debit
// that fails on the backend surfaces as ErrReleaseDebit alongside the
// released record, a missing user record is tolerated as a dangling
// reference.
func (a *App) ReleasePage(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	rec, err := a.pages.Release(ctx, book, number, who)
	if err != nil {
		return domain.PageRecord{}, err
	}
	var debitErr error
	if _, err := a.users.AdjustPoints(ctx, who.UserID, -releasePenalty); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			slog.Warn("release debit skipped, user record missing", "userId", who.UserID)
		} else {
			slog.Error("release debit failed", "userId", who.UserID, "error", err)
			debitErr = fmt.Errorf("page released, %w: %v", ErrReleaseDebit, err)
		}
	}
	a.publish(ctx, events.Event{Type: events.TypePageReleased, Book: book, Page: number, UserID: who.UserID, UserName: who.UserName})
	return rec, debitErr
}

// CompletePage marks the caller's claimed page as finished.
func (a *App) CompletePage(ctx context.Context, book string, number int, who domain.Identity) (domain.PageRecord, error) {
	rec, err := a.pages.Complete(ctx, book, number, who)
	if err != nil {
		return domain.PageRecord{}, err
	}
	a.publish(ctx, events.Event{Type: events.TypePageCompleted, Book: book, Page: number, UserID: who.UserID, UserName: who.UserName})
	return rec, nil
}

// AdminUpdatePage overwrites page fields. This is a documented
// administrative override of the ownership rules, gated on role here at
// the boundary.
func (a *App) AdminUpdatePage(ctx context.Context, book string, number int, upd ledger.PageUpdate, who domain.Identity) (domain.PageRecord, error) {
	if !who.IsAdmin() {
		return domain.PageRecord{}, fmt.Errorf("admin role required: %w", ledger.ErrForbidden)
	}
	rec, err := a.pages.AdminUpdate(ctx, book, number, upd, who)
	if err != nil {
		return domain.PageRecord{}, err
	}
	a.publish(ctx, events.Event{Type: events.TypePageAdminEdit, Book: book, Page: number, UserID: who.UserID, UserName: who.UserName})
	return rec, nil
}

// ListPages returns a book's full page sequence.
func (a *App) ListPages(ctx context.Context, book string) ([]domain.PageRecord, error) {
	return a.pages.List(ctx, book)
}

// ListBooks enumerates books with a page document.
func (a *App) ListBooks(ctx context.Context) ([]string, error) {
	return a.pages.Books(ctx)
}

// DeleteBook removes a book's page document as a unit.
func (a *App) DeleteBook(ctx context.Context, book string, who domain.Identity) error {
	if !who.IsAdmin() {
		return fmt.Errorf("admin role required: %w", ledger.ErrForbidden)
	}
	if err := a.pages.DeleteBook(ctx, book); err != nil {
		return err
	}
	a.publish(ctx, events.Event{Type: events.TypeBookDeleted, Book: book, UserID: who.UserID, UserName: who.UserName})
	return nil
}

// GetStats returns the per-user aggregate, possibly up to the cache TTL
// stale.
func (a *App) GetStats(ctx context.Context) (map[string]domain.UserStats, error) {
	if a.stats == nil {
		return nil, errors.New("stats cache not configured")
	}
	return a.stats.Get(ctx)
}

// UserUpdateRequest carries a user edit as received from the API layer.
type UserUpdateRequest struct {
	Name        *string      `json:"name,omitempty"`
	Role        *domain.Role `json:"role,omitempty"`
	Points      *int         `json:"points,omitempty"`
	NewPassword *string      `json:"newPassword,omitempty"`
}

// UpdateUser routes a user edit by capability: name, role and points
// require the admin role; a password change is allowed for the account
// owner or an admin and goes through the password policy.
func (a *App) UpdateUser(ctx context.Context, id string, req UserUpdateRequest, who domain.Identity) (domain.UserRecord, error) {
	upd := ledger.UserUpdate{Name: req.Name, Role: req.Role, Points: req.Points}
	if req.NewPassword != nil {
		if !who.IsAdmin() && who.UserID != id {
			return domain.UserRecord{}, fmt.Errorf("cannot change another user's password: %w", ledger.ErrForbidden)
		}
		if err := auth.ValidatePassword(*req.NewPassword); err != nil {
			return domain.UserRecord{}, fmt.Errorf("%s: %w", err, ledger.ErrValidation)
		}
		hash, err := auth.HashPassword(*req.NewPassword)
		if err != nil {
			return domain.UserRecord{}, err
		}
		upd.PasswordHash = &hash
	}
	if upd.AdminFields() && !who.IsAdmin() {
		return domain.UserRecord{}, fmt.Errorf("admin role required: %w", ledger.ErrForbidden)
	}
	return a.users.Update(ctx, id, upd)
}

// GetUser returns one user record.
func (a *App) GetUser(ctx context.Context, id string) (domain.UserRecord, bool, error) {
	return a.users.Get(ctx, id)
}

// ListUsers returns every user record. Admin only.
func (a *App) ListUsers(ctx context.Context, who domain.Identity) ([]domain.UserRecord, error) {
	if !who.IsAdmin() {
		return nil, fmt.Errorf("admin role required: %w", ledger.ErrForbidden)
	}
	return a.users.List(ctx)
}

func (a *App) publish(ctx context.Context, ev events.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.events.Publish(pubCtx, ev); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

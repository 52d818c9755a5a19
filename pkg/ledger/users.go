package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagescribe/pkg/docstore"
	"pagescribe/pkg/domain"
)

// UsersPath is the single document holding every user record.
const UsersPath = "data/users.json"

// Users is the account ledger. The whole collection lives in one document
// and follows the same conditional read-modify-write discipline as the
// page ledger.
type Users struct {
	store docstore.Store
	now   func() time.Time
}

// NewUsers builds the ledger over a document store.
func NewUsers(store docstore.Store, now func() time.Time) *Users {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Users{store: store, now: now}
}

// storedUser is the persisted shape of a user record. UserRecord hides
// the password hash from JSON so API responses never carry it; the stored
// form writes the hash out explicitly so it survives the round trip.
type storedUser struct {
	ID                string      `json:"id"`
	Email             string      `json:"email"`
	PasswordHash      string      `json:"passwordHash,omitempty"`
	Name              string      `json:"name"`
	Role              domain.Role `json:"role"`
	Points            int         `json:"points"`
	CreatedAt         time.Time   `json:"createdAt"`
	PasswordChangedAt *time.Time  `json:"passwordChangedAt,omitempty"`
}

func (s storedUser) record() domain.UserRecord {
	return domain.UserRecord{
		ID:                s.ID,
		Email:             s.Email,
		PasswordHash:      s.PasswordHash,
		Name:              s.Name,
		Role:              s.Role,
		Points:            s.Points,
		CreatedAt:         s.CreatedAt,
		PasswordChangedAt: s.PasswordChangedAt,
	}
}

func storedFrom(rec domain.UserRecord) storedUser {
	return storedUser{
		ID:                rec.ID,
		Email:             rec.Email,
		PasswordHash:      rec.PasswordHash,
		Name:              rec.Name,
		Role:              rec.Role,
		Points:            rec.Points,
		CreatedAt:         rec.CreatedAt,
		PasswordChangedAt: rec.PasswordChangedAt,
	}
}

// List returns every user. An absent collection reads as empty.
func (u *Users) List(ctx context.Context) ([]domain.UserRecord, error) {
	var stored []storedUser
	_, ok, err := u.store.ReadJSON(ctx, UsersPath, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []domain.UserRecord{}, nil
	}
	users := make([]domain.UserRecord, len(stored))
	for i, s := range stored {
		users[i] = s.record()
	}
	return users, nil
}

// Get returns a user by ID.
func (u *Users) Get(ctx context.Context, id string) (domain.UserRecord, bool, error) {
	users, err := u.List(ctx)
	if err != nil {
		return domain.UserRecord{}, false, err
	}
	for _, rec := range users {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return domain.UserRecord{}, false, nil
}

// GetByEmail looks up a user by email.
func (u *Users) GetByEmail(ctx context.Context, email string) (domain.UserRecord, bool, error) {
	users, err := u.List(ctx)
	if err != nil {
		return domain.UserRecord{}, false, err
	}
	for _, rec := range users {
		if strings.EqualFold(rec.Email, email) {
			return rec, true, nil
		}
	}
	return domain.UserRecord{}, false, nil
}

// AdjustPoints adds delta to a user's balance, floored at zero.
func (u *Users) AdjustPoints(ctx context.Context, id string, delta int) (domain.UserRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.UserRecord{}, fmt.Errorf("user id required: %w", ErrValidation)
	}
	return u.update(ctx, id, func(rec *domain.UserRecord) error {
		rec.Points += delta
		if rec.Points < 0 {
			rec.Points = 0
		}
		return nil
	})
}

// UserUpdate carries a restricted-field user edit. Name, role and points
// belong to administrative edits; passwordHash and passwordChangedAt to
// self-service changes. The two sets cannot be mixed in one call.
type UserUpdate struct {
	Name              *string      `json:"name,omitempty"`
	Role              *domain.Role `json:"role,omitempty"`
	Points            *int         `json:"points,omitempty"`
	PasswordHash      *string      `json:"passwordHash,omitempty"`
	PasswordChangedAt *time.Time   `json:"passwordChangedAt,omitempty"`
}

// AdminFields reports whether the update touches the administrative set.
func (upd UserUpdate) AdminFields() bool {
	return upd.Name != nil || upd.Role != nil || upd.Points != nil
}

// SelfServiceFields reports whether the update touches the password set.
func (upd UserUpdate) SelfServiceFields() bool {
	return upd.PasswordHash != nil || upd.PasswordChangedAt != nil
}

func (upd UserUpdate) validate() error {
	if !upd.AdminFields() && !upd.SelfServiceFields() {
		return fmt.Errorf("no updatable fields: %w", ErrValidation)
	}
	if upd.AdminFields() && upd.SelfServiceFields() {
		return fmt.Errorf("cannot mix account and password fields: %w", ErrValidation)
	}
	if upd.Role != nil && *upd.Role != domain.RoleUser && *upd.Role != domain.RoleAdmin {
		return fmt.Errorf("role %q: %w", *upd.Role, ErrValidation)
	}
	if upd.Points != nil && *upd.Points < 0 {
		return fmt.Errorf("points must be >= 0: %w", ErrValidation)
	}
	if upd.PasswordHash != nil && strings.TrimSpace(*upd.PasswordHash) == "" {
		return fmt.Errorf("password hash required: %w", ErrValidation)
	}
	return nil
}

// Update applies a restricted-field edit to one user.
func (u *Users) Update(ctx context.Context, id string, upd UserUpdate) (domain.UserRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.UserRecord{}, fmt.Errorf("user id required: %w", ErrValidation)
	}
	if err := upd.validate(); err != nil {
		return domain.UserRecord{}, err
	}
	now := u.now()
	return u.update(ctx, id, func(rec *domain.UserRecord) error {
		if upd.Name != nil {
			rec.Name = *upd.Name
		}
		if upd.Role != nil {
			rec.Role = *upd.Role
		}
		if upd.Points != nil {
			rec.Points = *upd.Points
		}
		if upd.PasswordHash != nil {
			rec.PasswordHash = *upd.PasswordHash
			at := now
			rec.PasswordChangedAt = &at
		}
		if upd.PasswordChangedAt != nil {
			rec.PasswordChangedAt = upd.PasswordChangedAt
		}
		return nil
	})
}

func (u *Users) update(ctx context.Context, id string, apply func(*domain.UserRecord) error) (domain.UserRecord, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var stored []storedUser
		rev, ok, err := u.store.ReadJSON(ctx, UsersPath, &stored)
		if err != nil {
			return domain.UserRecord{}, err
		}
		if !ok {
			return domain.UserRecord{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		idx := -1
		for i := range stored {
			if stored[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.UserRecord{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		rec := stored[idx].record()
		if err := apply(&rec); err != nil {
			return domain.UserRecord{}, err
		}
		stored[idx] = storedFrom(rec)
		if _, err := u.store.SaveJSON(ctx, UsersPath, stored, rev); err != nil {
			if errors.Is(err, docstore.ErrRevisionMismatch) {
				continue
			}
			return domain.UserRecord{}, err
		}
		return rec, nil
	}
	return domain.UserRecord{}, fmt.Errorf("user %s: concurrent update: %w", id, ErrConflict)
}

package domain

import "time"

type PageStatus string

const (
	StatusAvailable  PageStatus = "available"
	StatusInProgress PageStatus = "in_progress"
	StatusCompleted  PageStatus = "completed"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the already-authenticated caller asserted by the auth service.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the identity carries the admin capability.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// PageRecord is one page's transcription status and claim metadata.
// Number is the stable identity of the page within its book.
// Claim fields are populated while in_progress and kept as provenance
// once the page is completed.
type PageRecord struct {
	Number      int        `json:"number"`
	Status      PageStatus `json:"status"`
	ClaimedBy   string     `json:"claimedBy,omitempty"`
	ClaimedByID string     `json:"claimedById,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
}

// UserRecord is one volunteer or admin account.
// ClaimedByID on a page is a weak reference to UserRecord.ID; a dangling
// reference after an account is removed is tolerated, not an error.
// PasswordHash never appears in marshaled output; the user ledger persists
// it through its own stored representation.
type UserRecord struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	Name              string     `json:"name"`
	Role              Role       `json:"role"`
	Points            int        `json:"points"`
	CreatedAt         time.Time  `json:"createdAt"`
	PasswordChangedAt *time.Time `json:"passwordChangedAt,omitempty"`
}

// UserStats aggregates one user's page counts and current points.
type UserStats struct {
	CompletedPages  int `json:"completedPages"`
	InProgressPages int `json:"inProgressPages"`
	Points          int `json:"points"`
}

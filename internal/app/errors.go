package app

import "errors"

var (
	// ErrRateLimited indicates the caller exceeded the claim quota.
	ErrRateLimited = errors.New("rate limited")
	// ErrReleaseDebit indicates the page release committed but the points
	// debit did not. The page state is durable; the caller's balance is
	// stale until the debit is re-applied.
	ErrReleaseDebit = errors.New("release debit failed")
)

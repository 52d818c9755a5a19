package ledger

import "errors"

// Workflow failure kinds. Operations detect these before any write, so a
// failed precondition leaves the stored state untouched.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("invalid input")
)

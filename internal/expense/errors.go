package expense

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor is neither the owner nor elevated.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates the operation violates a lifecycle rule, such as
	// deleting a non-draft receipt or editing a submitted report.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates a user-correctable request problem.
	ErrValidation = errors.New("validation failed")
	// ErrStillProcessing indicates the expense row was not yet visible after
	// the bounded read retry; callers should try again shortly.
	ErrStillProcessing = errors.New("extraction still in progress")
)

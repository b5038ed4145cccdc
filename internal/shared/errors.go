package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates a denied authorization check.
	ErrForbidden = errors.New("forbidden")
)

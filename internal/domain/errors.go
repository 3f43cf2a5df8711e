package domain

import "errors"

// Error taxonomy shared by the routing and deployment halves. Callers wrap
// these with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("domain already owned by another deployment")
	ErrExtraction  = errors.New("unsupported or corrupted archive")
	ErrNotFound    = errors.New("not found")
	ErrUpstream    = errors.New("upstream unavailable")
	ErrBackingGone = errors.New("deployment folder no longer exists")
)

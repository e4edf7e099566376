package opik

import (
	"errors"

	"github.com/opikhq/opik-go/internal/rest"
)

// ErrPromptConflict is returned when a prompt already exists with an
// incompatible shape (for example a chat prompt where a text prompt was
// requested). This is surfaced synchronously: silently proceeding would
// corrupt prompt semantics.
var ErrPromptConflict = errors.New("opik: prompt already exists with an incompatible type")

// IsNotFound returns true if the error is a backend 404.
func IsNotFound(err error) bool { return rest.IsNotFound(err) }

// IsUnauthorized returns true if the error is a backend 401.
func IsUnauthorized(err error) bool { return rest.IsUnauthorized(err) }

// IsConflict returns true if the error is a backend 409.
func IsConflict(err error) bool { return rest.IsConflict(err) }

// IsRateLimited returns true if the error is a backend 429.
func IsRateLimited(err error) bool { return rest.IsRateLimited(err) }

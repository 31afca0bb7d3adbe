package repos

import "errors"

// ErrNotFound is a generic sentinel for missing rows.
var ErrNotFound = errors.New("not found")

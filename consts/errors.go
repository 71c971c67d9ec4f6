package consts

import "errors"

// ErrDBNotFound is returned by database lookups when no row matches.
var ErrDBNotFound = errors.New("not found")

package api

import "errors"

// ErrNotFound indicates a requested instance or run-spec is unknown to the collaborator that was asked about it.
var ErrNotFound = errors.New("not found")

package models

import "errors"

// ErrNotFound is returned by catalog and account lookups that match nothing.
var ErrNotFound = errors.New("not found")

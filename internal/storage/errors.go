package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state changed concurrently")
	ErrCursorGap     = errors.New("ledger is not contiguous with the cursor")
)

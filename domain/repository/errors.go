package repository

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrLeaseLost      = errors.New("lease is no longer held")
	ErrServiceUnknown = errors.New("service not found")
)

package relay

import "errors"

var (
	ErrValidation  = errors.New("validation failed")
	ErrAuth        = errors.New("authentication failed")
	ErrPersistence = errors.New("persistence failed")
	ErrNotFound    = errors.New("not found")
)

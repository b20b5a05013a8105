package service

import "errors"

var (
	ErrInvalidCode        = errors.New("session code must be 4 characters")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
)

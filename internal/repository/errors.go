package repository

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrInvalidUsername = errors.New("username must be 1-20 characters")
	ErrCodeSpaceBusy   = errors.New("could not allocate a unique session code")
)

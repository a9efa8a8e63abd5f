package client

import "errors"

var (
	ErrUnavailable  = errors.New("terminal unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

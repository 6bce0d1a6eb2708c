package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks caller errors that map to HTTP 400.
var ErrInvalidRequest = errors.New("invalid request")

func newInvalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

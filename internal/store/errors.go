package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks transient failures of the database or the cache.
var ErrUnavailable = errors.New("store unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

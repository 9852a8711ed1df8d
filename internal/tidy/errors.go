package tidy

import (
	"context"
	"errors"
	"fmt"
)

var (
	// fatal setup errors, reported before any mutation
	ErrNotFound     = errors.New("folder does not exist")
	ErrNotDirectory = errors.New("not a directory")
	ErrUnreadable   = errors.New("folder is not readable")

	ErrCancelled = errors.New("job cancelled")
)

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

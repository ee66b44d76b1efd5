package audit

import (
	"context"
	"errors"
)

// Multi fans one entry out to several sinks. Append fails if any sink
// fails, so the caller never applies a change that one sink missed.
type Multi []Sink

// Append writes to every sink in order and stops at the first failure
func (m Multi) Append(ctx context.Context, entry Entry) error {
	for _, s := range m {
		if err := s.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

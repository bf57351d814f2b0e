package chatrelay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("store closed")
	ErrFeedClosed   = errors.New("feed closed")
)

// ParseError marks a payload that could not be resolved into items. Ingest
// skips the payload and continues with the rest of the batch.
type ParseError struct {
	Source string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("malformed payload: %s", e.Reason)
	}
	return fmt.Sprintf("malformed payload %s: %s", e.Source, e.Reason)
}

func parseErrorf(source, format string, args ...any) *ParseError {
	return &ParseError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

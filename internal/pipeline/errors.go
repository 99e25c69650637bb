package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessage is returned by Retry and Discard for ids not in the visible list.
var ErrUnknownMessage = errors.New("unknown message")

// ErrClosed is returned once the pipeline has been torn down.
var ErrClosed = errors.New("pipeline closed")

// RateLimitError rejects a send while the limiter is cooling down. It is the
// only error SendMessage surfaces for a well-formed send.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// TransportError reports a publish that failed while the link looked usable.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Package retry re-issues control plane calls that failed for transient
// reasons. Everything else is surfaced immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

// ErrTransport marks an error that remained transient after the retry
// budget was exhausted.
var ErrTransport = errors.New("transport error")

// Transient reports whether err is worth re-issuing: a network failure or a
// throttling/availability response from the provider.
func Transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "TooManyRequestsException",
			"RequestLimitExceeded", "ServiceUnavailable", "RequestTimeout":
			return true
		}
	}
	return false
}

// Bounded returns the default retry policy: exponential backoff capped at
// the given number of retries.
func Bounded(ctx context.Context, retries uint64) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
}

// Do runs op under the given policy. Non-transient errors stop the retry
// loop immediately; a still-transient error is wrapped with ErrTransport.
func Do[T any](policy backoff.BackOff, op func() (T, error)) (T, error) {
	v, err := backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !Transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)

	if err != nil && Transient(err) {
		return v, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return v, err
}

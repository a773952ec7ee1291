package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout marks a provider call that exceeded its deadline. It is never
// conflated with a semantic error from the provider itself.
var ErrTimeout = errors.New("provider request timed out")

// ErrMalformedResponse marks a provider response missing expected fields.
var ErrMalformedResponse = errors.New("malformed provider response")

// APIError carries an upstream error message from a provider.
type APIError struct {
	Provider string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

// wrapTransportError classifies a failed HTTP round trip: deadline and
// network timeouts become ErrTimeout, everything else is wrapped as-is.
func wrapTransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	return fmt.Errorf("send %s request: %w", provider, err)
}

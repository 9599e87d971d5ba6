package llm

import (
	"context"
	"fmt"

	"github.com/teranos/agentpulse/errors"
)

// StatusError is a non-2xx answer from a provider
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, body)
}

// ClassifyCallError marks a failed call with the coordination taxonomy:
// deadline expiry becomes errors.ErrTimeout, everything else
// errors.ErrTransportFailure. Parent cancellation is left as is so callers can
// tell shutdown apart from a failing target.
func ClassifyCallError(target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "call to %s cancelled", target)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "call to %s timed out", target), errors.ErrTimeout)
	}
	return errors.Mark(errors.Wrapf(err, "call to %s failed", target), errors.ErrTransportFailure)
}

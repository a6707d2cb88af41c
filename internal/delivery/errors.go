package delivery

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/solistra/mailroom/internal/message"
)

// TransportError records the failure of one specific transport during
// a delivery pass. Always transient: the pass falls through to the
// next transport in the chain.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeliveryError means every configured transport failed for one pass
// over the chain. It aggregates the per-transport errors and triggers
// enqueueing into the retry queue.
type DeliveryError struct {
	MessageID string
	Attempts  []*TransportError
	// KnownDown is set when the pass was skipped entirely because the
	// health monitor already marked the primary transport down.
	KnownDown bool
}

func (e *DeliveryError) Error() string {
	if e.KnownDown {
		return fmt.Sprintf("delivery of %s skipped: primary transport known down", e.MessageID)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("delivery of %s failed on all transports: %s", e.MessageID, strings.Join(parts, "; "))
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// IsPermanent reports whether the error can never succeed on retry.
func IsPermanent(err error) bool {
	var ve *message.ValidationError
	return errors.As(err, &ve)
}

// isConnectionError detects outright connection-level failures, the
// trigger for flipping readiness when the primary transport dies
// between health probes.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "no such host", "timeout", "i/o timeout", "dial tcp"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

package schwab

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify failures with errors.Is against these.
var (
	// ErrAuthFailure means no valid credential could be obtained. Operator
	// intervention (interactive re-authorization) is required.
	ErrAuthFailure = errors.New("auth failure")

	// ErrTransportFailure covers HTTP non-2xx responses and socket errors.
	ErrTransportFailure = errors.New("transport failure")

	// ErrProtocolFailure covers malformed or unexpected provider messages,
	// including a non-zero login status code.
	ErrProtocolFailure = errors.New("protocol failure")

	// ErrConfigurationFailure means required identifiers or settings are missing.
	ErrConfigurationFailure = errors.New("configuration failure")
)

var (
	// ErrTokenNotFound is returned by a TokenStorage when nothing is stored
	// under the key. It is distinct from the store being unreachable.
	ErrTokenNotFound = errors.New("token not found")

	// ErrStoreUnavailable wraps any store error other than ErrTokenNotFound.
	ErrStoreUnavailable = fmt.Errorf("token store unavailable: %w", ErrAuthFailure)

	// ErrTokenRejected is returned when the provider answered 401. The
	// credential has already been re-validated; the caller should retry once.
	ErrTokenRejected = errors.New("access token rejected")

	// ErrNoAuthorizer is returned when manual re-authorization is needed but
	// no Authorizer was configured.
	ErrNoAuthorizer = fmt.Errorf("manual re-authorization required but no authorizer configured: %w", ErrAuthFailure)
)

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrTransportFailure }

// ProtocolError reports an unexpected message from the provider.
type ProtocolError struct {
	Op     string
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: provider returned code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: provider returned code %d: %s", e.Op, e.Code, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolFailure }

// storeUnavailable wraps a raw backend error so it matches ErrStoreUnavailable.
func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

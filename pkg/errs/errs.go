// Package errs defines the error taxonomy shared by the market-data core.
//
// Connection failures are transient and absorbed by reconnect logic,
// protocol failures are logged and dropped, upstream API failures surface to
// the immediate caller, persistence failures trigger requeue, configuration
// failures are fatal at construction.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel categories, matched with errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrProtocol      = errors.New("protocol error")
	ErrUpstreamAPI   = errors.New("upstream api error")
	ErrPersistence   = errors.New("persistence error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// UpstreamAPIError reports a non-success response from a venue REST
// endpoint. The caller decides whether to retry.
type UpstreamAPIError struct {
	Venue    string
	Endpoint string
	Status   int
	Body     string
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("venue %s: %s returned status %d", e.Venue, e.Endpoint, e.Status)
}

func (e *UpstreamAPIError) Unwrap() error { return ErrUpstreamAPI }

// Connectionf wraps err as a transient connection failure.
func Connectionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConnection}, args...)...)
}

// Protocolf wraps err as a malformed-frame failure.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}

// Persistencef wraps err as a write failure whose data must be requeued.
func Persistencef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPersistence}, args...)...)
}

// Configurationf wraps err as a fatal construction-time failure.
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}

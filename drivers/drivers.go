// Package drivers defines the uniform contract every protocol adapter
// implements. The pool speaks only this interface; protocol-specific read
// operations live on the concrete handle types because their shapes differ
// too much to force into one signature.
package drivers

import (
	"context"
	"fmt"

	"github.com/fieldgrid/otlink/config"
)

// Handle is a live protocol session owned by the pool.
//
// Verify is a cheap, non-mutating liveness probe. Protocols without an
// independent probe (Modbus) report true and rely on the next read to expose
// a dead transport. Close is best-effort teardown; callers log and swallow
// its error.
type Handle interface {
	Verify(ctx context.Context) bool
	Close() error
}

// Driver establishes sessions for one protocol.
type Driver interface {
	Protocol() config.Protocol
	Connect(ctx context.Context, cfg config.ConnectionConfig) (Handle, error)
}

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Protocol config.Protocol
	Target   string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Protocol, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError reports a protocol-level read failure.
type ReadError struct {
	Protocol config.Protocol
	Target   string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read %s: %v", e.Protocol, e.Target, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// UnavailableError is returned by Connect when no driver is registered for the
// requested protocol. It fails fast instead of silently skipping the device.
type UnavailableError struct {
	Protocol config.Protocol
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no driver available for protocol %q", e.Protocol)
}

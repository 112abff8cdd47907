// Package gwerr classifies the gateway's failures into the kinds spec'd for
// the gateway's propagation policy: configuration errors and root bind
// failures are fatal at startup, everything else is connection-scoped.
package gwerr

import (
	"errors"
	"fmt"
)

// ConfigurationError wraps an invalid or conflicting CLI input. It is
// always fatal: the bootstrap layer reports it and exits non-zero before
// any listener is opened.
type ConfigurationError struct {
	msg string
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.msg }

// BindFailure wraps a listener bind failure. Root listener bind failures
// are fatal; dynamic listener bind failures are connection-scoped (the
// triggering Reply passes through unrewritten).
type BindFailure struct {
	Address string
	Root    bool // true for the root listener, false for a dynamic forwarder
	Cause   error
}

func NewBindFailure(address string, root bool, cause error) *BindFailure {
	return &BindFailure{Address: address, Root: root, Cause: cause}
}

func (e *BindFailure) Error() string {
	return fmt.Sprintf("bind failure on %s: %v", e.Address, e.Cause)
}

func (e *BindFailure) Unwrap() error { return e.Cause }

// UpstreamConnectFailure wraps a failed outbound connection to the Tango
// database or to an IOR-discovered backend endpoint.
type UpstreamConnectFailure struct {
	Host  string
	Port  uint16
	Cause error
}

func NewUpstreamConnectFailure(host string, port uint16, cause error) *UpstreamConnectFailure {
	return &UpstreamConnectFailure{Host: host, Port: port, Cause: cause}
}

func (e *UpstreamConnectFailure) Error() string {
	return fmt.Sprintf("cannot connect to %s:%d: %v", e.Host, e.Port, e.Cause)
}

func (e *UpstreamConnectFailure) Unwrap() error { return e.Cause }

// ProtocolError wraps a giop-package sentinel (ErrMalformedHeader,
// ErrMalformedReply, ErrTruncatedFrame) with the connection detail that
// identified it. Callers classify the underlying cause with errors.Is
// against the giop sentinels, not against ProtocolError itself.
type ProtocolError struct {
	Detail string
	Cause  error
}

func NewProtocolError(detail string, cause error) *ProtocolError {
	return &ProtocolError{Detail: detail, Cause: cause}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.Detail, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// IsFatal reports whether err must abort gateway startup rather than just
// end the connection or flow that produced it.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}
	var bindErr *BindFailure
	return errors.As(err, &bindErr) && bindErr.Root
}

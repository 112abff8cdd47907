package giop

import "errors"

// Sentinel errors returned by the codec and frame reader. Callers that need
// to classify a connection-ending failure (see package gwerr) match against
// these with errors.Is.
var (
	// ErrMalformedHeader is returned when a 12-octet buffer does not carry
	// the "GIOP" magic or names an unsupported message type.
	ErrMalformedHeader = errors.New("giop: malformed message header")

	// ErrMalformedReply is returned when a Reply header or its embedded IOR
	// is truncated or internally inconsistent.
	ErrMalformedReply = errors.New("giop: malformed reply header")

	// ErrTruncatedFrame is returned by ReadFrame when a connection closes
	// after delivering between 1 and HeaderSize-1 header octets, or fewer
	// than MsgSize body octets.
	ErrTruncatedFrame = errors.New("giop: truncated frame")
)

package giop

import "fmt"

// UnpackGIOPHeader parses the fixed 12-octet GIOP message header. buf must
// be at least HeaderSize long; only the first HeaderSize bytes are read.
func UnpackGIOPHeader(buf []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedHeader, HeaderSize, len(buf))
	}

	copy(h.Magic[:], buf[0:4])
	copy(h.Version[:], buf[4:6])
	h.Flags = buf[6]
	h.MsgType = buf[7]
	h.MsgSize = byteOrderFor(h.Flags).Uint32(buf[8:12])

	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// PackGIOP serializes header followed verbatim by body into a single
// buffer, recomputing nothing: callers are responsible for setting
// header.MsgSize to len(body) before calling this (relay's rewriteFrame
// does so after RepackIOR changes the body length).
func PackGIOP(header MessageHeader, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:4], header.Magic[:])
	copy(buf[4:6], header.Version[:])
	buf[6] = header.Flags
	buf[7] = header.MsgType
	byteOrderFor(header.Flags).PutUint32(buf[8:12], header.MsgSize)
	copy(buf[HeaderSize:], body)
	return buf
}

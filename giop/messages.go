// Package giop implements the wire-level pieces of the General Inter-ORB
// Protocol needed by the gateway: message header framing, Reply header
// parsing, and IOR discovery/rewrite inside a Reply body.
package giop

import "fmt"

// GIOP message types (GIOP 1.x)
const (
	MsgRequest       = 0
	MsgReply         = 1
	MsgCancelRequest = 2
	MsgLocateRequest = 3
	MsgLocateReply   = 4
	MsgCloseConn     = 5
	MsgMessageError  = 6
	MsgFragment      = 7
)

// Reply status values
const (
	ReplyStatusNoException         = 0
	ReplyStatusUserException       = 1
	ReplyStatusSystemException     = 2
	ReplyStatusLocationForward     = 3
	ReplyStatusLocationForwardPerm = 4
	ReplyStatusNeedsAddressingMode = 5
)

// HeaderSize is the fixed length of a GIOP message header in octets.
const HeaderSize = 12

// giopMagic is the fixed 4-octet prefix of every GIOP message.
var giopMagic = [4]byte{'G', 'I', 'O', 'P'}

// GIOP_1_2 is the version this gateway stamps on any message it builds
// itself (currently none on the wire; kept for parity with headers parsed
// from the wire and for tests).
var GIOP_1_2 = [2]byte{1, 2}

// MessageHeader is the common 12-octet header for all GIOP messages.
type MessageHeader struct {
	Magic   [4]byte
	Version [2]byte // major, minor
	Flags   byte    // bit0: byte order (1=little endian); bit1: fragment follows
	MsgType byte
	MsgSize uint32 // number of payload octets following the header
}

// IsLittleEndian reports whether the message body is little-endian encoded.
func (h MessageHeader) IsLittleEndian() bool {
	return h.Flags&0x01 == 1
}

// HasMoreFragments reports whether the fragment flag is set.
func (h MessageHeader) HasMoreFragments() bool {
	return h.Flags&0x02 == 0x02
}

// ServiceContext carries out-of-band information attached to a request or
// reply (e.g. codeset negotiation, transaction context).
type ServiceContext struct {
	ID   uint32
	Data []byte
}

// ServiceContextList is a sequence of service contexts.
type ServiceContextList []ServiceContext

// ReplyHeader contains the fields specific to a Reply message, as laid out
// immediately after the GIOP message header in a Reply payload.
type ReplyHeader struct {
	ServiceContexts ServiceContextList
	RequestID       uint32
	ReplyStatus     uint32
}

// NewMessageHeader builds a header with the standard GIOP 1.2 version and
// big-endian flags.
func NewMessageHeader(msgType byte, msgSize uint32) MessageHeader {
	return MessageHeader{
		Magic:   giopMagic,
		Version: GIOP_1_2,
		Flags:   0,
		MsgType: msgType,
		MsgSize: msgSize,
	}
}

// Validate checks the magic and message type of a parsed header.
func (h MessageHeader) Validate() error {
	if h.Magic != giopMagic {
		return fmt.Errorf("%w: magic %q", ErrMalformedHeader, h.Magic[:])
	}
	if h.MsgType > MsgFragment {
		return fmt.Errorf("%w: message type %d", ErrMalformedHeader, h.MsgType)
	}
	return nil
}

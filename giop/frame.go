package giop

import (
	"errors"
	"fmt"
	"io"
)

// ReadFrame reads a single complete GIOP message (header plus body) from r.
//
// A clean EOF before any bytes are read is not an error: it returns a nil
// slice and nil error, signalling the peer closed the connection between
// messages. An EOF after 1 to HeaderSize-1 header octets, or after fewer
// than MsgSize body octets, is ErrTruncatedFrame: the peer closed mid
// message.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d header octets", ErrTruncatedFrame, n, HeaderSize)
		}
		return nil, err
	}

	msgHeader, err := UnpackGIOPHeader(header)
	if err != nil {
		return nil, err
	}

	body := make([]byte, msgHeader.MsgSize)
	if msgHeader.MsgSize > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: got fewer than %d body octets", ErrTruncatedFrame, msgHeader.MsgSize)
			}
			return nil, err
		}
	}

	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame, nil
}

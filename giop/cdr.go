package giop

import (
	"encoding/binary"
	"fmt"
)

// CDR alignment boundaries, per the CORBA Common Data Representation rules.
const (
	align1 = 1 // octet, boolean, char
	align2 = 2 // short, unsigned short
	align4 = 4 // long, unsigned long, float
	align8 = 8 // long long, double
)

// cdrReader unmarshals CDR-encoded data while tracking its offset into an
// enclosing buffer, so callers can recover the byte range of a structure
// they just read (needed to rewrite an IOR profile in place).
type cdrReader struct {
	data      []byte
	pos       int
	byteOrder binary.ByteOrder
}

func newCDRReader(data []byte, order binary.ByteOrder) *cdrReader {
	return &cdrReader{data: data, byteOrder: order}
}

// offset returns the reader's current position in the underlying buffer.
func (r *cdrReader) offset() int { return r.pos }

func (r *cdrReader) align(n int) {
	if n <= 1 {
		return
	}
	if pad := (n - (r.pos % n)) % n; pad > 0 {
		r.pos += pad
	}
}

func (r *cdrReader) need(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedReply, n, r.pos, len(r.data))
	}
	return nil
}

func (r *cdrReader) readBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *cdrReader) readOctet() (byte, error) {
	r.align(align1)
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *cdrReader) readUShort() (uint16, error) {
	r.align(align2)
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return r.byteOrder.Uint16(b), nil
}

func (r *cdrReader) readULong() (uint32, error) {
	r.align(align4)
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return r.byteOrder.Uint32(b), nil
}

// readOctetSequence reads a ULong length prefix followed by that many raw
// octets (used for object keys and opaque service-context payloads, which
// are NOT NUL-terminated).
func (r *cdrReader) readOctetSequence() ([]byte, error) {
	n, err := r.readULong()
	if err != nil {
		return nil, err
	}
	return r.readBytes(int(n))
}

// readIIOPHostString reads a CDR string as the IIOP profile encodes it: a
// ULong length (including the trailing NUL) followed by that many octets,
// the last of which is the NUL terminator. The returned slice includes the
// trailing NUL, matching spec.md's data model for Forwarder.local_host.
func (r *cdrReader) readIIOPHostString() ([]byte, error) {
	n, err := r.readULong()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length IIOP host string", ErrMalformedReply)
	}
	return r.readBytes(int(n))
}

func (r *cdrReader) readServiceContextList() (ServiceContextList, error) {
	count, err := r.readULong()
	if err != nil {
		return nil, err
	}
	contexts := make(ServiceContextList, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.readULong()
		if err != nil {
			return nil, err
		}
		data, err := r.readOctetSequence()
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, ServiceContext{ID: id, Data: data})
	}
	return contexts, nil
}

// cdrWriter marshals CDR-encoded data, mirroring cdrReader's alignment
// rules, used to rebuild an IIOP profile with a substituted host/port.
type cdrWriter struct {
	buf       []byte
	byteOrder binary.ByteOrder
}

func newCDRWriter(order binary.ByteOrder) *cdrWriter {
	return &cdrWriter{byteOrder: order}
}

func (w *cdrWriter) align(n int) {
	if n <= 1 {
		return
	}
	if pad := (n - (len(w.buf) % n)) % n; pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
}

func (w *cdrWriter) writeOctet(v byte) {
	w.align(align1)
	w.buf = append(w.buf, v)
}

func (w *cdrWriter) writeULong(v uint32) {
	w.align(align4)
	b := make([]byte, 4)
	w.byteOrder.PutUint32(b, v)
	w.buf = append(w.buf, b...)
}

func (w *cdrWriter) writeUShort(v uint16) {
	w.align(align2)
	b := make([]byte, 2)
	w.byteOrder.PutUint16(b, v)
	w.buf = append(w.buf, b...)
}

// writeIIOPHostString writes host (which must already include its trailing
// NUL, per the shape stored in a registry Entry) as a length-prefixed IIOP
// host string.
func (w *cdrWriter) writeIIOPHostString(host []byte) {
	w.writeULong(uint32(len(host)))
	w.buf = append(w.buf, host...)
}

func (w *cdrWriter) writeOctetSequence(b []byte) {
	w.writeULong(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// byteOrderFor returns the binary.ByteOrder a GIOP header's flags select.
func byteOrderFor(flags byte) binary.ByteOrder {
	if flags&0x01 == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

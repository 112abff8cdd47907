package giop

import (
	"encoding/binary"
	"fmt"
)

// TagInternetIOP is the IOR profile tag identifying an IIOP profile. It is
// the only profile tag this gateway understands; any other tag is skipped
// while scanning for a rewritable profile.
const TagInternetIOP uint32 = 0

// maxIIOPMinor bounds the minor version octet accepted during a trial
// decode, rejecting candidate offsets that happen to decode a plausible but
// bogus profile out of unrelated payload bytes.
const maxIIOPMinor = 3

// TaggedComponent is a single entry of an IIOP 1.1+ profile's tagged
// component list. The gateway round-trips these opaquely; it never
// interprets a component's meaning.
type TaggedComponent struct {
	Tag  uint32
	Data []byte
}

// IOR holds the fields of a single decoded IIOP profile, the pieces of an
// Interoperable Object Reference this gateway cares about: the host and
// port a client should dial, and everything else needed to re-encode the
// profile once those two are rewritten.
type IOR struct {
	Version    [2]byte // IIOP profile major, minor
	Host       []byte  // includes trailing NUL, as read by readIIOPHostString
	Port       uint16
	ObjectKey  []byte
	Components []TaggedComponent // only populated when Version[1] >= 1

	// littleEndian records the byte order the profile's own encapsulation
	// octet selected, so RepackIOR re-encodes with the same choice rather
	// than silently flipping it.
	littleEndian bool
}

// FindIOR scans body, starting at bodyOffset, for the first IIOP profile it
// can decode. body must be the complete GIOP message body (the bytes
// starting immediately after the 12-octet message header, at true offset
// 0); bodyOffset is where the caller's reply-specific payload begins within
// it. Passing the full body rather than a re-sliced body[bodyOffset:] is
// required for CDR alignment to stay correct, since alignment is always
// relative to the start of the message body, not to an arbitrary sub-slice.
//
// headerFlags is the enclosing GIOP message header's Flags byte, which
// selects the byte order of the outer IOR structure (type_id, profile
// count, profile tag and encapsulation length). The profile's own
// encapsulated body uses whatever byte order its leading endian octet
// selects, independently of headerFlags.
//
// It returns the decoded profile and the half-open byte range [start, stop)
// within body occupied by the profile's encapsulated data (the endian octet
// plus everything that follows it, matching what RepackIOR replaces).
func FindIOR(body []byte, bodyOffset int, headerFlags byte) (ior IOR, start, stop int, ok bool) {
	order := byteOrderFor(headerFlags)
	for candidate := bodyOffset; candidate < len(body); candidate++ {
		decoded, s, e, err := tryDecodeIORAt(body, candidate, order)
		if err != nil {
			continue
		}
		return decoded, s, e, true
	}
	return IOR{}, 0, 0, false
}

// tryDecodeIORAt attempts a full IOR decode starting at pos: a type_id
// string, a profile count, and the first profile's tag and encapsulated
// body. It only accepts the profile if its tag is TagInternetIOP and its
// fields pass sanity checks, to reject false-positive matches against
// unrelated payload bytes.
func tryDecodeIORAt(body []byte, pos int, order binary.ByteOrder) (IOR, int, int, error) {
	r := &cdrReader{data: body, pos: pos, byteOrder: order}

	if _, err := r.readOctetSequence(); err != nil { // type_id, ignored
		return IOR{}, 0, 0, err
	}
	profileCount, err := r.readULong()
	if err != nil || profileCount == 0 || profileCount > 64 {
		return IOR{}, 0, 0, fmt.Errorf("%w: implausible profile count", ErrMalformedReply)
	}
	tag, err := r.readULong()
	if err != nil {
		return IOR{}, 0, 0, err
	}
	if tag != TagInternetIOP {
		return IOR{}, 0, 0, fmt.Errorf("%w: not an IIOP profile", ErrMalformedReply)
	}
	encapLen, err := r.readULong()
	if err != nil {
		return IOR{}, 0, 0, err
	}
	start := r.offset()
	stop := start + int(encapLen)
	if encapLen == 0 || stop > len(body) {
		return IOR{}, 0, 0, fmt.Errorf("%w: encapsulation out of bounds", ErrMalformedReply)
	}

	ior, err := decodeIIOPProfileBody(body[start:stop])
	if err != nil {
		return IOR{}, 0, 0, err
	}
	return ior, start, stop, nil
}

// decodeIIOPProfileBody decodes an IIOP profile's encapsulation: a leading
// byte-order octet, grounded on the teacher's endian_utils.go convention
// (0 = big endian, 1 = little endian), followed by the profile body proper.
// CDR alignment within an encapsulation is relative to the encapsulation's
// own start, i.e. the byte-order octet itself (offset 0), not the first
// byte after it, so the reader keeps pos counting from the flag octet
// rather than resetting to 0 past it: major and minor sit at offsets 1 and
// 2, followed by one pad byte before the ULong host length at offset 4
// (ProfileBody_1_1 is flag(0), major(1), minor(2), pad(3), hostlen(4..7)).
func decodeIIOPProfileBody(encap []byte) (IOR, error) {
	if len(encap) < 1 {
		return IOR{}, fmt.Errorf("%w: empty IIOP encapsulation", ErrMalformedReply)
	}
	endianOctet := encap[0]
	if endianOctet > 1 {
		return IOR{}, fmt.Errorf("%w: bad encapsulation endian octet %d", ErrMalformedReply, endianOctet)
	}
	r := &cdrReader{data: encap, pos: 1, byteOrder: byteOrderFor(endianOctet)}

	major, err := r.readOctet()
	if err != nil {
		return IOR{}, err
	}
	minor, err := r.readOctet()
	if err != nil {
		return IOR{}, err
	}
	if major != 1 || minor > maxIIOPMinor {
		return IOR{}, fmt.Errorf("%w: implausible IIOP version %d.%d", ErrMalformedReply, major, minor)
	}

	host, err := r.readIIOPHostString()
	if err != nil {
		return IOR{}, err
	}
	port, err := r.readUShort()
	if err != nil {
		return IOR{}, err
	}
	objectKey, err := r.readOctetSequence()
	if err != nil {
		return IOR{}, err
	}

	var components []TaggedComponent
	if minor >= 1 {
		count, err := r.readULong()
		if err != nil {
			return IOR{}, err
		}
		if count > 256 {
			return IOR{}, fmt.Errorf("%w: implausible component count", ErrMalformedReply)
		}
		components = make([]TaggedComponent, 0, count)
		for i := uint32(0); i < count; i++ {
			tag, err := r.readULong()
			if err != nil {
				return IOR{}, err
			}
			data, err := r.readOctetSequence()
			if err != nil {
				return IOR{}, err
			}
			components = append(components, TaggedComponent{Tag: tag, Data: data})
		}
	}

	return IOR{
		Version:      [2]byte{major, minor},
		Host:         host,
		Port:         port,
		ObjectKey:    objectKey,
		Components:   components,
		littleEndian: endianOctet == 1,
	}, nil
}

// RepackIOR re-encodes ior's profile body and splices it into body in place
// of the encapsulation currently occupying [start, stop), patching the
// preceding ULong encapsulation-length field if the new encapsulation's
// length differs from the old one's. The enclosing header's Flags byte
// (the same one passed to the FindIOR call that produced start) is required
// because the outer profile-data-length field it patches is itself encoded
// in the outer structure's byte order, not the profile's own.
//
// The profile body is always fully re-encoded, rather than patched in
// place, because CDR alignment padding depends on the running length of
// the buffer being written: recomputing it from scratch is correct
// regardless of how the new host string's length compares to the old one's,
// whereas attempting to patch bytes in place would require re-deriving
// every subsequent field's alignment by hand.
func RepackIOR(body []byte, ior IOR, start, stop int, headerFlags byte) ([]byte, error) {
	if start < 0 || stop > len(body) || start > stop {
		return nil, fmt.Errorf("%w: invalid profile range [%d,%d)", ErrMalformedReply, start, stop)
	}

	encap := encodeIIOPProfileBody(ior)

	// The ULong encapsulation length immediately precedes start, encoded in
	// the enclosing structure's byte order.
	lenFieldStart := start - 4
	if lenFieldStart < 0 {
		return nil, fmt.Errorf("%w: profile has no length field", ErrMalformedReply)
	}

	newBody := make([]byte, 0, len(body)-(stop-start)+len(encap))
	newBody = append(newBody, body[:lenFieldStart]...)
	lenField := make([]byte, 4)
	byteOrderFor(headerFlags).PutUint32(lenField, uint32(len(encap)))
	newBody = append(newBody, lenField...)
	newBody = append(newBody, encap...)
	newBody = append(newBody, body[stop:]...)
	return newBody, nil
}

// encodeIIOPProfileBody writes ior back out as an IIOP profile encapsulation:
// the leading endian octet followed by the same field sequence
// decodeIIOPProfileBody read, so the two stay symmetric. The endian octet is
// seeded into the writer's buffer before any field is written, rather than
// prepended afterward, so that every align() call (which pads relative to
// len(w.buf)) measures from the encapsulation's true start the same way
// decodeIIOPProfileBody's reader does.
func encodeIIOPProfileBody(ior IOR) []byte {
	endianOctet := byte(0)
	order := byteOrderFor(0)
	if ior.littleEndian {
		endianOctet = 1
		order = byteOrderFor(1)
	}

	w := newCDRWriter(order)
	w.buf = append(w.buf, endianOctet)
	w.writeOctet(ior.Version[0])
	w.writeOctet(ior.Version[1])
	w.writeIIOPHostString(ior.Host)
	w.writeUShort(ior.Port)
	w.writeOctetSequence(ior.ObjectKey)
	if ior.Version[1] >= 1 {
		w.writeULong(uint32(len(ior.Components)))
		for _, c := range ior.Components {
			w.writeULong(c.Tag)
			w.writeOctetSequence(c.Data)
		}
	}

	return w.buf
}

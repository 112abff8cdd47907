package giop

// UnpackReplyHeader parses a Reply message's header (service context list,
// request id, reply status) from body, the bytes immediately following the
// 12-octet GIOP message header. headerFlags must be the enclosing GIOP
// header's Flags byte; the reply header has no byte-order octet of its
// own, unlike the IOR encapsulation it may contain.
//
// It returns the parsed header and the offset within body at which the
// reply body (the part that may contain an IOR) begins. That offset is
// variable because the service context list has no fixed length.
func UnpackReplyHeader(body []byte, headerFlags byte) (*ReplyHeader, int, error) {
	r := newCDRReader(body, byteOrderFor(headerFlags))

	contexts, err := r.readServiceContextList()
	if err != nil {
		return nil, 0, err
	}
	requestID, err := r.readULong()
	if err != nil {
		return nil, 0, err
	}
	replyStatus, err := r.readULong()
	if err != nil {
		return nil, 0, err
	}

	return &ReplyHeader{
		ServiceContexts: contexts,
		RequestID:       requestID,
		ReplyStatus:     replyStatus,
	}, r.offset(), nil
}

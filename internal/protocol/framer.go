package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"chaincopier/internal/errors"
)

// Result is what one Parse call produced
type Result struct {
	// Header is set on the call that recognized the StartTag and SizeTag
	Header *Header

	// Fragments are payload pieces to append to the destination file, in
	// order. They alias the parsed buffer.
	Fragments [][]byte

	// Consumed is the number of leading bytes of the buffer that were used.
	// The caller keeps the rest for the next call.
	Consumed int

	// Complete is set once the FinishTag has been matched
	Complete bool
}

// Payload returns the total number of payload bytes in Fragments
func (r Result) Payload() int {
	n := 0
	for _, f := range r.Fragments {
		n += len(f)
	}
	return n
}

// Framer turns a byte stream delivered in arbitrary chunks into transfer
// headers, payload fragments and a completion signal. One Framer serves one
// connection and is not safe for concurrent use.
type Framer struct {
	splitBy int

	header   *Header
	received uint64
	matched  int // FinishTag bytes already verified
}

// NewFramer creates a framer. A positive splitBy cuts payload into
// fragments of at most that many bytes.
func NewFramer(splitBy int) *Framer {
	if splitBy < 0 {
		splitBy = 0
	}
	return &Framer{splitBy: splitBy}
}

// InProgress reports whether a transfer header has been seen and the
// transfer is not finished yet
func (f *Framer) InProgress() bool {
	return f.header != nil
}

// Current returns the header of the transfer in progress
func (f *Framer) Current() (Header, bool) {
	if f.header == nil {
		return Header{}, false
	}
	return *f.header, true
}

// Received returns the payload bytes counted for the current transfer
func (f *Framer) Received() uint64 {
	return f.received
}

// Reset drops the state of the current transfer
func (f *Framer) Reset() {
	f.header = nil
	f.received = 0
	f.matched = 0
}

// Parse consumes as much of buf as it can.
//
// errors.ErrPartialHeader means the header is still incomplete: nothing is
// consumed and the caller retries with more bytes appended. Garbled and zero
// messages are returned as *errors.ProtocolError and reset the framer.
func (f *Framer) Parse(buf []byte) (Result, error) {
	var res Result
	if len(buf) == 0 {
		return res, errors.NewProtocolError("parse", "zero buffer received", errors.ErrZeroMessage)
	}

	if f.header == nil {
		h, n, err := parseHeader(buf)
		if err != nil {
			return res, err
		}
		f.header = &h
		f.received = 0
		f.matched = 0
		res.Header = &h
		res.Consumed = n
	}

	rest := buf[res.Consumed:]

	if remaining := f.header.Size - f.received; remaining > 0 && len(rest) > 0 {
		take := len(rest)
		if uint64(take) > remaining {
			take = int(remaining)
		}
		res.Fragments = f.split(rest[:take])
		f.received += uint64(take)
		res.Consumed += take
		rest = rest[take:]
	}

	if f.received < f.header.Size || len(rest) == 0 {
		return res, nil
	}

	n := len(FinishTag) - f.matched
	if n > len(rest) {
		n = len(rest)
	}
	if !bytes.Equal(rest[:n], []byte(FinishTag[f.matched:f.matched+n])) {
		size := f.header.Size
		f.Reset()
		return res, errors.NewProtocolError("parse_finish",
			fmt.Sprintf("finish tag not found after %d payload bytes", size), errors.ErrGarbledMessage)
	}
	f.matched += n
	res.Consumed += n

	if f.matched == len(FinishTag) {
		res.Complete = true
		f.Reset()
	}
	return res, nil
}

func (f *Framer) split(payload []byte) [][]byte {
	if f.splitBy == 0 || len(payload) <= f.splitBy {
		return [][]byte{payload}
	}
	out := make([][]byte, 0, (len(payload)+f.splitBy-1)/f.splitBy)
	for len(payload) > f.splitBy {
		out = append(out, payload[:f.splitBy])
		payload = payload[f.splitBy:]
	}
	return append(out, payload)
}

// parseHeader recognizes StartTag SizeTag at the start of buf and returns
// the number of bytes they occupy.
func parseHeader(buf []byte) (Header, int, error) {
	var h Header

	path, pos, err := parseTag(buf, 0, StartTagPrefix, MaxPathLength)
	if err != nil {
		return h, 0, err
	}
	if len(path) == 0 {
		return h, 0, garbled("transferring file has no path")
	}

	digits, pos, err := parseTag(buf, pos, SizeTagPrefix, maxSizeDigits)
	if err != nil {
		return h, 0, err
	}
	if len(digits) == 0 {
		return h, 0, garbled("transferring file has no size")
	}
	size, perr := strconv.ParseUint(string(digits), 10, 64)
	if perr != nil {
		return h, 0, garbled(fmt.Sprintf("invalid file size %q", digits))
	}

	h.Path = string(path)
	h.Size = size
	return h, pos, nil
}

// parseTag matches prefix at buf[pos:] and returns the value up to the tag
// suffix and the position after it.
func parseTag(buf []byte, pos int, prefix string, maxValue int) ([]byte, int, error) {
	avail := buf[pos:]
	n := len(prefix)
	if n > len(avail) {
		n = len(avail)
	}
	if !bytes.Equal(avail[:n], []byte(prefix[:n])) {
		return nil, 0, garbled(fmt.Sprintf("unexpected content %q", avail[:n]))
	}
	if n < len(prefix) {
		return nil, 0, errors.ErrPartialHeader
	}

	value := avail[len(prefix):]
	end := bytes.Index(value, []byte(TagSuffix))
	if end < 0 {
		if len(value) > maxValue+len(TagSuffix) {
			return nil, 0, garbled(fmt.Sprintf("%stag exceeds %d bytes", prefix, maxValue))
		}
		return nil, 0, errors.ErrPartialHeader
	}
	if end > maxValue {
		return nil, 0, garbled(fmt.Sprintf("%stag exceeds %d bytes", prefix, maxValue))
	}
	return value[:end], pos + len(prefix) + end + len(TagSuffix), nil
}

func garbled(msg string) error {
	return errors.NewProtocolError("parse_header", msg, errors.ErrGarbledMessage)
}

package edge

import "encoding/binary"

// framingBuffer is the per-connection DNS-over-TCP reassembly state
// described in §3 and §4.2: a 2-byte length prefix buffer followed by a
// lazily-allocated body buffer sized to exactly the declared length.
//
// It is not safe for concurrent use; a connection's reads are strictly
// ordered (§5), so a single goroutine owns one framingBuffer at a time.
type framingBuffer struct {
	qlenBuf    [2]byte
	qlenOffset int

	qBody    []byte
	qOffset  int
}

// qlenReady reports whether the 2-byte length prefix has been fully read.
func (f *framingBuffer) qlenReady() bool {
	return f.qlenOffset == 2
}

// qlen decodes the completed length prefix as big-endian uint16.
func (f *framingBuffer) qlen() int {
	return int(binary.BigEndian.Uint16(f.qlenBuf[:]))
}

// fillQlen copies as much of chunk as needed to complete the length
// prefix and returns the number of bytes consumed.
func (f *framingBuffer) fillQlen(chunk []byte) int {
	need := 2 - f.qlenOffset
	n := len(chunk)
	if n > need {
		n = need
	}
	copy(f.qlenBuf[f.qlenOffset:], chunk[:n])
	f.qlenOffset += n
	return n
}

// allocOnce allocates qBody to exactly sz bytes if it hasn't been
// allocated yet for the current query.
func (f *framingBuffer) allocOnce(sz int) {
	if f.qBody == nil {
		f.qBody = make([]byte, sz)
	}
}

// bodyReady reports whether qBody has been completely filled.
func (f *framingBuffer) bodyReady() bool {
	return f.qBody != nil && f.qOffset == len(f.qBody)
}

// fillBody copies as much of chunk as needed to complete qBody and
// returns the number of bytes consumed.
func (f *framingBuffer) fillBody(chunk []byte) int {
	need := len(f.qBody) - f.qOffset
	n := len(chunk)
	if n > need {
		n = need
	}
	copy(f.qBody[f.qOffset:], chunk[:n])
	f.qOffset += n
	return n
}

// reset returns the completed body, then clears qBody and both offsets
// so the buffer is ready to receive the next length prefix. Per the §4.2
// invariant, after reset qlenOffset == 0 and qBody == nil.
func (f *framingBuffer) reset() []byte {
	body := f.qBody
	f.qBody = nil
	f.qOffset = 0
	f.qlenOffset = 0
	return body
}

package edge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramingBufferSingleChunk(t *testing.T) {
	var fb framingBuffer
	body := []byte("hello dns")
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)

	n := fb.fillQlen(frame)
	require.True(t, fb.qlenReady())
	require.Equal(t, len(body), fb.qlen())

	fb.allocOnce(fb.qlen())
	n += fb.fillBody(frame[n:])
	require.Equal(t, len(frame), n)
	require.True(t, fb.bodyReady())
	require.Equal(t, body, fb.reset())

	// Reset leaves the buffer ready for the next query.
	require.False(t, fb.qlenReady())
	require.Nil(t, fb.qBody)
}

func TestFramingBufferSplitAcrossChunks(t *testing.T) {
	var fb framingBuffer
	body := []byte("0123456789")
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)

	// Feed one byte at a time to exercise reassembly across arbitrary
	// split points, including a split length prefix.
	var got []byte
	for _, b := range frame {
		chunk := []byte{b}
		if !fb.qlenReady() {
			fb.fillQlen(chunk)
			continue
		}
		if fb.qBody == nil {
			fb.allocOnce(fb.qlen())
		}
		fb.fillBody(chunk)
		if fb.bodyReady() {
			got = fb.reset()
		}
	}
	require.Equal(t, body, got)
}

func TestFramingBufferCoalescedQueries(t *testing.T) {
	var fb framingBuffer
	body1 := []byte("first")
	body2 := []byte("second-query")

	var chunk []byte
	for _, body := range [][]byte{body1, body2} {
		prefix := make([]byte, 2)
		binary.BigEndian.PutUint16(prefix, uint16(len(body)))
		chunk = append(chunk, prefix...)
		chunk = append(chunk, body...)
	}

	var results [][]byte
	for len(chunk) > 0 {
		if !fb.qlenReady() {
			n := fb.fillQlen(chunk)
			chunk = chunk[n:]
			continue
		}
		fb.allocOnce(fb.qlen())
		n := fb.fillBody(chunk)
		chunk = chunk[n:]
		if fb.bodyReady() {
			results = append(results, fb.reset())
		}
	}
	require.Equal(t, [][]byte{body1, body2}, results)
}

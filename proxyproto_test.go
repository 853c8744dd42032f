package edge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildProxyV2Header constructs a minimal valid PROXYv2 header for an IPv4
// TCP connection (address length 12: 4+4+2+2 bytes).
func buildProxyV2Header() []byte {
	h := make([]byte, 16+12)
	copy(h[:12], proxyV2Signature)
	h[12] = 0x21 // version 2, command PROXY
	h[13] = 0x11 // AF_INET, STREAM
	binary.BigEndian.PutUint16(h[14:16], 12)
	copy(h[16:20], []byte{127, 0, 0, 1})
	copy(h[20:24], []byte{127, 0, 0, 2})
	binary.BigEndian.PutUint16(h[24:26], 1234)
	binary.BigEndian.PutUint16(h[26:28], 53)
	return h
}

func TestProxyV2AdapterSingleChunk(t *testing.T) {
	a := newProxyV2Adapter()
	header := buildProxyV2Header()
	payload := append(append([]byte{}, header...), []byte("clienthello")...)

	rest, ok, err := a.feed(payload)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("clienthello"), rest)
}

func TestProxyV2AdapterSplitAcrossChunks(t *testing.T) {
	a := newProxyV2Adapter()
	header := buildProxyV2Header()
	payload := append(append([]byte{}, header...), []byte("clienthello")...)

	// Feed byte by byte: ok stays false until the byte that completes the
	// header; from then on every feed reports ok and passes its chunk
	// through, so the pass-through bytes are collected into rest.
	var rest []byte
	var ok bool
	var err error
	for i, b := range payload {
		var r []byte
		r, ok, err = a.feed([]byte{b})
		require.NoError(t, err)
		if i < len(header)-1 {
			require.False(t, ok)
		}
		rest = append(rest, r...)
	}
	require.True(t, ok)
	require.Equal(t, []byte("clienthello"), rest)
}

func TestProxyV2AdapterBadSignature(t *testing.T) {
	a := newProxyV2Adapter()
	bad := make([]byte, 16)
	_, _, err := a.feed(bad)
	require.Error(t, err)
	var perr ProxyProtoError
	require.ErrorAs(t, err, &perr)
}

func TestProxyV2AdapterOversizeHeader(t *testing.T) {
	a := newProxyV2Adapter()
	h := make([]byte, 16)
	copy(h[:12], proxyV2Signature)
	h[12] = 0x21
	h[13] = 0x11
	binary.BigEndian.PutUint16(h[14:16], 65000) // declared address length way too large
	_, _, err := a.feed(h)
	require.Error(t, err)
}

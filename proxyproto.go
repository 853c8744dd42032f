package edge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// proxyV2Signature is the fixed 12-byte PROXY protocol v2 signature that
// precedes the binary header.
var proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// maxProxyV2HeaderSize bounds how much of the connection preamble the
// adapter will buffer while waiting for a complete PROXYv2 header: the
// 16-byte fixed header plus up to 200 bytes of TLVs, per the PROXY
// protocol v2 specification.
const maxProxyV2HeaderSize = 216

// proxyState is the adapter's two-state machine (§4.6): it starts
// awaiting the header and transitions exactly once to spliced.
type proxyState int

const (
	proxyAwaitHeader proxyState = iota
	proxySpliced
)

// proxyV2Adapter buffers the PROXYv2 preamble of a connection until a
// complete header is available (§9's buffered-header correctness
// improvement over assuming the header fits the first TCP segment), then
// splices the client connection to an upstream DoT backend.
type proxyV2Adapter struct {
	state proxyState
	buf   []byte
}

func newProxyV2Adapter() *proxyV2Adapter {
	return &proxyV2Adapter{}
}

// feed appends chunk to the buffered preamble and, once a complete
// PROXYv2 header (as sized by its address-length field) is available,
// returns the remaining bytes after the header (which must be forwarded
// to upstream before the splice starts) and true. Once spliced, every
// later chunk is returned unchanged with ok=true. It returns ok=false
// while more data is needed, and an error if the accumulated buffer
// exceeds maxProxyV2HeaderSize without completing, or the header is
// structurally invalid.
func (p *proxyV2Adapter) feed(chunk []byte) (rest []byte, ok bool, err error) {
	if p.state != proxyAwaitHeader {
		return chunk, true, nil
	}
	p.buf = append(p.buf, chunk...)

	headerLen, err := parseProxyV2HeaderLen(p.buf)
	if err != nil {
		return nil, false, err
	}
	if headerLen < 0 || len(p.buf) < headerLen {
		// Not enough data buffered yet to complete the header.
		if len(p.buf) > maxProxyV2HeaderSize {
			return nil, false, ProxyProtoError{Reason: "header exceeds maximum size"}
		}
		return nil, false, nil
	}

	p.state = proxySpliced
	rest = p.buf[headerLen:]
	p.buf = nil
	return rest, true, nil
}

// parseProxyV2HeaderLen returns the total length of the PROXYv2 header
// (signature + fixed header + TLVs) once enough of buf has been seen to
// compute it, or -1 if more data is required. It does not require a
// trailing CRLF: PROXYv2's header is self-describing via its 16-bit
// address-length field, unlike v1's text format.
func parseProxyV2HeaderLen(buf []byte) (int, error) {
	const fixedHeaderSize = 16
	if len(buf) < fixedHeaderSize {
		return -1, nil
	}
	if !bytes.Equal(buf[:12], proxyV2Signature) {
		return 0, ProxyProtoError{Reason: "bad signature"}
	}
	verCmd := buf[12]
	if verCmd>>4 != 2 {
		return 0, ProxyProtoError{Reason: "unsupported version"}
	}
	addrLen := binary.BigEndian.Uint16(buf[14:16])
	total := fixedHeaderSize + int(addrLen)
	if total > maxProxyV2HeaderSize {
		return 0, ProxyProtoError{Reason: "declared address length too large"}
	}
	return total, nil
}

// splice pipes data bidirectionally between client and upstream until
// either side closes or errors, then closes both. Used once the adapter
// has transitioned to proxySpliced.
func splice(client, upstream net.Conn) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, client)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		errc <- err
	}()
	err := <-errc
	client.Close()
	upstream.Close()
	<-errc
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

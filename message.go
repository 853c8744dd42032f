package edge

import "github.com/miekg/dns"

// minDNSMessageSize is the smallest possible DNS message: a 12-byte header
// with no question, answer, authority or additional sections.
const minDNSMessageSize = 12

// maxDNSMessageSize is the largest length a DNS-over-TCP length prefix may
// legally declare.
const maxDNSMessageSize = 65535

// validateSize reports whether qlen is an acceptable DNS-over-TCP message
// length per §4.7 step 2: at least a bare header, at most 64 KiB.
func validateSize(qlen int) bool {
	return qlen >= minDNSMessageSize && qlen <= maxDNSMessageSize
}

// qName returns the name of the first question in a DNS message, or the
// empty string if the message has none.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// servfail synthesises a SERVFAIL answer for a raw DNS-over-TCP query body.
// If the query can't even be unpacked, a minimal header-only SERVFAIL with
// the query's ID copied over is produced instead so the client still gets
// a parseable response on its expected transaction ID.
func servfail(query []byte) []byte {
	q := new(dns.Msg)
	if err := q.Unpack(query); err == nil {
		a := new(dns.Msg)
		a.SetRcode(q, dns.RcodeServerFailure)
		if out, err := a.Pack(); err == nil {
			return out
		}
	}
	return minimalServfail(query)
}

// minimalServfail builds a 12-byte SERVFAIL header reusing the 16-bit
// transaction ID from query if at least 2 bytes are available.
func minimalServfail(query []byte) []byte {
	var id uint16
	if len(query) >= 2 {
		id = uint16(query[0])<<8 | uint16(query[1])
	}
	out := make([]byte, minDNSMessageSize)
	out[0] = byte(id >> 8)
	out[1] = byte(id)
	out[2] = 0x80 // QR=1 (response)
	out[3] = 0x02 // RCODE=2 (SERVFAIL)
	return out
}

package edge

import (
	"crypto/x509"
	"regexp"
	"strings"
	"sync"
)

// sniMatcher classifies a TLS SNI against a server certificate's DNS SANs,
// split into an exact-match alternation and a wildcard-match alternation,
// per §4.3. It also extracts the flag/host pair used to route a query
// (§3, §4.3 getMetadata).
//
// The regex pair is built lazily on first use and cached for the process
// lifetime - the certificate's SAN list does not change at runtime.
type sniMatcher struct {
	once    sync.Once
	exact   *regexp.Regexp
	wild    *regexp.Regexp
	certSrc func() *x509.Certificate
}

// newSNIMatcher returns a matcher that builds its regex pair from the
// certificate certSrc returns the first time it's asked to classify an
// SNI. certSrc is called at most once.
func newSNIMatcher(certSrc func() *x509.Certificate) *sniMatcher {
	return &sniMatcher{certSrc: certSrc}
}

// noMatch never matches any input; used as the alternation when a
// certificate has no entries of that kind.
var noMatch = regexp.MustCompile(`(?!)`)

func (m *sniMatcher) build() {
	m.once.Do(func() {
		cert := m.certSrc()
		var exactNames, wildNames []string
		if cert != nil {
			for _, dnsName := range cert.DNSNames {
				if strings.HasPrefix(dnsName, "*.") {
					wildNames = append(wildNames, regexp.QuoteMeta(dnsName[2:]))
				} else {
					exactNames = append(exactNames, regexp.QuoteMeta(dnsName))
				}
			}
		}
		m.exact = compileAlternation(exactNames, false)
		m.wild = compileAlternation(wildNames, true)
	})
}

func compileAlternation(suffixes []string, wildcard bool) *regexp.Regexp {
	if len(suffixes) == 0 {
		return noMatch
	}
	parts := make([]string, len(suffixes))
	for i, s := range suffixes {
		if wildcard {
			// The leading label(s) plus dot are optional as a whole, so
			// both "flag.suffix" and the bare "suffix" classify as
			// belonging to this wildcard SAN; nested labels are also
			// accepted since routing flags may themselves be dotted.
			parts[i] = `(?:[a-z0-9_.-]*\.)?` + s
		} else {
			parts[i] = s
		}
	}
	pattern := "^(?i)(" + strings.Join(parts, "|") + ")$"
	return regexp.MustCompile(pattern)
}

// MatchExact reports whether sni matches one of the certificate's regular
// (non-wildcard) DNS SANs.
func (m *sniMatcher) MatchExact(sni string) bool {
	m.build()
	return m.exact.MatchString(sni)
}

// MatchWildcard reports whether sni matches one of the certificate's
// wildcard DNS SANs.
func (m *sniMatcher) MatchWildcard(sni string) bool {
	m.build()
	return m.wild.MatchString(sni)
}

// Matches reports whether sni matches either alternation.
func (m *sniMatcher) Matches(sni string) bool {
	return m.MatchExact(sni) || m.MatchWildcard(sni)
}

// Metadata splits an SNI into its flag and host per §4.3: when the name
// has more than two labels, the leftmost label is the flag and the
// remainder is the host; otherwise flag is empty and host is the whole
// SNI.
func Metadata(sni string) (flag, host string) {
	labels := strings.Split(sni, ".")
	if len(labels) > 2 {
		return labels[0], strings.Join(labels[1:], ".")
	}
	return "", sni
}

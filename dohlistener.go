package edge

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// doHOversizeStatus is returned for a POST body, or a decoded GET ?dns=
// parameter, that fails validateSize.
const doHOversizeStatus = http.StatusRequestEntityTooLarge

// DoHListener is the DNS-over-HTTPS listener (§4.4, flavours "DoH" and
// "DoH-cleartext"). Unlike the DoT flavours it never runs a raw TCP framing
// pipeline itself - net/http and golang.org/x/net/http2 own framing,
// stream multiplexing and flow control, and this listener only implements
// the §4.8 request/response translation between an HTTP/2 stream and a
// Resolver call.
//
// When tlsConfig is nil the listener serves H2C (cleartext HTTP/2, RFC
// 7540 §3.2) for deployments that terminate TLS upstream; otherwise it
// negotiates h2 over ALPN the same way DoTListener negotiates its wire
// protocol under TLS.
type DoHListener struct {
	id        string
	addr      string
	opt       ListenOptions
	tlsConfig *tls.Config
	resolver  Resolver
	stats     *Stats
	tracker   *Tracker

	mu       sync.Mutex
	maxConns int
	ln       net.Listener
	srv      *http.Server
}

var _ Listener = &DoHListener{}

// NewDoHListener returns a DoH listener bound to addr once Start is called.
// A nil tlsConfig selects the H2C (DoH-cleartext) flavour.
func NewDoHListener(id, addr string, opt ListenOptions, tlsConfig *tls.Config, resolver Resolver, stats *Stats, tracker *Tracker) *DoHListener {
	return &DoHListener{
		id:        id,
		addr:      addr,
		opt:       opt,
		tlsConfig: tlsConfig,
		resolver:  resolver,
		stats:     stats,
		tracker:   tracker,
		maxConns:  opt.MaxConns,
	}
}

func (l *DoHListener) flavour() string {
	if l.tlsConfig == nil {
		return "doh-cleartext"
	}
	return "doh"
}

// Start binds and serves HTTP/2 until Stop closes the listener.
func (l *DoHListener) Start() error {
	Log.With("id", l.id, "protocol", l.flavour(), "addr", l.addr).Info("starting listener")

	tcpLn, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}

	tid := l.tracker.TrackServer(tcpLn.Addr(), l)
	tl := &trackedListener{
		Listener:   tcpLn,
		id:         tid,
		tracker:    l.tracker,
		stats:      l.stats,
		maxConns:   l.MaxConns,
		allowedNet: l.opt.AllowedNet,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.dohHandler)

	if l.tlsConfig != nil {
		l.tlsConfig.NextProtos = []string{"h2"}
		l.tlsConfig.SessionTicketsDisabled = false
		l.srv = &http.Server{Handler: mux, TLSConfig: l.tlsConfig}
		if err := http2.ConfigureServer(l.srv, &http2.Server{}); err != nil {
			tcpLn.Close()
			return err
		}
		l.ln = tls.NewListener(tl, l.tlsConfig)
	} else {
		h2s := &http2.Server{}
		l.srv = &http.Server{Handler: h2c.NewHandler(mux, h2s)}
		l.ln = tl
	}

	err = l.srv.Serve(l.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// dohHandler implements §4.8: buffer the body (POST) or decode the ?dns=
// query parameter (GET) just far enough to validate its length, build an
// internal Request, invoke the resolver, and translate its Response back
// onto the HTTP/2 stream.
func (l *DoHListener) dohHandler(w http.ResponseWriter, r *http.Request) {
	var body []byte
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxDNSMessageSize+1)
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", doHOversizeStatus)
			return
		}
		if !validateSize(len(b)) {
			http.Error(w, "invalid message length", doHOversizeStatus)
			return
		}
		body = b
	case http.MethodGet:
		enc := r.URL.Query().Get("dns")
		if enc == "" {
			http.Error(w, "missing dns parameter", http.StatusBadRequest)
			return
		}
		b, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			http.Error(w, "malformed dns parameter", http.StatusBadRequest)
			return
		}
		if !validateSize(len(b)) {
			http.Error(w, "invalid message length", doHOversizeStatus)
			return
		}
		// GET is forwarded unchanged: the decoded bytes are only used here
		// to validate length; the resolver receives the request's original
		// URL with its ?dns= query string intact, and no body.
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	// Metadata splits off a routing flag for internal use only (e.g.
	// ClientInfo.Flag); it must never shrink the authority used to build
	// the outbound request below, per spec.md §4.8 step 3's literal
	// "https://<:authority>/<path>".
	flag, _ := Metadata(hostOnly(r.Host))
	ci := ClientInfo{
		Listener: l.id,
		SourceIP: remoteIP,
		Flag:     flag,
		Host:     hostOnly(r.Host),
	}
	if r.TLS != nil {
		ci.TLSServerName = r.TLS.ServerName
	}

	header := make(http.Header, len(r.Header)+1)
	for k, v := range r.Header {
		header[k] = v
	}
	header.Set("X-Rxid", uuid.NewString())

	req := &Request{
		Method: r.Method,
		URL: &url.URL{
			Scheme:   "https",
			Host:     bracketHost(ci.Host),
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		},
		Header: header,
		Body:   body,
	}

	l.stats.IncReqs()
	resp, err := l.resolver.Resolve(r.Context(), req)
	if err != nil || resp == nil {
		Log.WithError(err).Error("resolve failed", "rxid", header.Get("X-Rxid"), "listener", l.id)
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// hostOnly strips an optional port from an HTTP Host header value.
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// bracketHost wraps host in brackets if it's a raw IPv6 literal without
// them already, as required to build a valid URL authority.
func bracketHost(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "[" + host + "]"
		}
	}
	return host
}

// Stop closes the HTTP server (its socket and open connections), causing
// Serve to return http.ErrServerClosed.
func (l *DoHListener) Stop() error {
	Log.With("id", l.id, "protocol", l.flavour(), "addr", l.addr).Info("stopping listener")
	if l.srv != nil {
		return l.srv.Close()
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *DoHListener) SetMaxConns(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConns = n
}

func (l *DoHListener) MaxConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

func (l *DoHListener) String() string {
	return fmt.Sprintf("%s(%s)", strings.ToUpper(l.flavour()), l.addr)
}

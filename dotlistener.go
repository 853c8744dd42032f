package edge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"
)

// DoTListener is the native DNS-over-TLS listener (§4.4, flavour "DoT").
// It terminates TLS itself, classifies the client SNI against its own
// certificate's SANs to derive the routing flag/host, and runs the
// DNS-over-TCP framing pipeline (§4.7) on every accepted connection.
type DoTListener struct {
	id        string
	addr      string
	opt       ListenOptions
	tlsConfig *tls.Config
	resolver  Resolver
	stats     *Stats
	tracker   *Tracker

	matcher *sniMatcher

	mu       sync.Mutex
	maxConns int
	ln       net.Listener
}

var _ Listener = &DoTListener{}

// NewDoTListener returns a DoT listener bound to addr once Start is
// called.
func NewDoTListener(id, addr string, opt ListenOptions, tlsConfig *tls.Config, resolver Resolver, stats *Stats, tracker *Tracker) *DoTListener {
	l := &DoTListener{
		id:        id,
		addr:      addr,
		opt:       opt,
		tlsConfig: tlsConfig,
		resolver:  resolver,
		stats:     stats,
		tracker:   tracker,
		maxConns:  opt.MaxConns,
	}
	l.matcher = newSNIMatcher(func() *x509.Certificate {
		if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
			return nil
		}
		cert, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
		if err != nil {
			return nil
		}
		return cert
	})
	return l
}

// ApplyTicketKey installs a freshly-rotated session ticket key (§4.5) on
// this listener's TLS config.
func (l *DoTListener) ApplyTicketKey(key [48]byte) {
	if l.tlsConfig != nil {
		ApplyTicketKey(l.tlsConfig, key)
	}
}

// Start binds and accepts connections until the listener is stopped or
// the underlying socket errors.
func (l *DoTListener) Start() error {
	Log.With("id", l.id, "protocol", "dot", "addr", l.addr).Info("starting listener")

	tcpLn, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.tlsConfig.SessionTicketsDisabled = false
	ln := tls.NewListener(tcpLn, l.tlsConfig)
	l.ln = ln
	l.tracker.TrackServer(ln.Addr(), l)

	for {
		conn, err := ln.Accept()
		if err != nil {
			Log.WithError(err).Error("listener accept failed, shutting down")
			return err
		}
		go l.handle(conn)
	}
}

func (l *DoTListener) handle(conn net.Conn) {
	// The tracker keys listeners by bound port (TrackServer), so the
	// connection is counted and tracked under its local port.
	_, tid, _ := net.SplitHostPort(conn.LocalAddr().String())
	if l.tracker.Ended() {
		conn.Close()
		return
	}
	if l.tracker.ConnCount(tid) >= l.MaxConns() {
		l.stats.Drop()
		conn.Close()
		return
	}
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !isAllowed(l.opt.AllowedNet, net.ParseIP(remoteIP)) {
		l.stats.Drop()
		conn.Close()
		return
	}
	if id := l.tracker.TrackConn(tid, conn); id == "" {
		conn.Close()
		return
	}
	l.stats.IncTotalConns()
	defer func() {
		l.tracker.Untrack(tid, conn)
		l.stats.DecOpenConns()
		conn.Close()
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	hsCtx, cancel := context.WithTimeout(context.Background(), handshakeTimeout(l.opt.IOTimeoutMs))
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		l.stats.IncTLSErrors()
		return
	}

	sni := tlsConn.ConnectionState().ServerName
	flag, host := "", sni
	if l.matcher.Matches(sni) {
		flag, host = Metadata(sni)
	}

	ci := ClientInfo{
		Listener:      l.id,
		SourceIP:      remoteIP,
		TLSServerName: sni,
		Flag:          flag,
		Host:          host,
	}

	d := newDoTConn(conn, l.resolver, ci, l.stats)
	d.serve(l.ioTimeout(), func() {})
}

func (l *DoTListener) ioTimeout() time.Duration {
	return time.Duration(l.opt.IOTimeoutMs) * time.Millisecond
}

// Stop closes the underlying socket, causing Start's Accept loop to
// return.
func (l *DoTListener) Stop() error {
	Log.With("id", l.id, "protocol", "dot", "addr", l.addr).Info("stopping listener")
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// SetMaxConns applies a new per-listener concurrency cap. It never evicts
// already-accepted connections (§5: "Admission updates to maxConnections
// take effect on subsequent accepts, never on already-accepted sockets");
// handle enforces the cap for each newly accepted connection.
func (l *DoTListener) SetMaxConns(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConns = n
}

func (l *DoTListener) MaxConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

func (l *DoTListener) String() string { return fmt.Sprintf("DoT(%s)", l.addr) }

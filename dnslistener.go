package edge

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// cleartextSentinelHost is the fixed host the DoT-cleartext listener
// reports to the resolver for every query, since it has no TLS SNI to
// classify. Per SPEC_FULL.md OQ2, this sentinel is preserved exactly as
// ambiguity (b) in spec.md §9 describes it: it is only safe if the
// resolver accepts this sentinel for PROXYv2-unwrapped cleartext traffic.
const cleartextSentinelHost = "ignored.example.com"

// DoTCleartextListener is the plain TCP DNS-over-TCP listener (§4.4,
// flavour "DoT-cleartext"): same RFC 7766 framing pipeline as DoTListener,
// but without TLS termination, used when TLS is offloaded upstream.
type DoTCleartextListener struct {
	id       string
	addr     string
	opt      ListenOptions
	resolver Resolver
	stats    *Stats
	tracker  *Tracker

	mu       sync.Mutex
	maxConns int
	ln       net.Listener
}

var _ Listener = &DoTCleartextListener{}

// NewDoTCleartextListener returns a cleartext DoT listener bound to addr
// once Start is called.
func NewDoTCleartextListener(id, addr string, opt ListenOptions, resolver Resolver, stats *Stats, tracker *Tracker) *DoTCleartextListener {
	return &DoTCleartextListener{
		id:       id,
		addr:     addr,
		opt:      opt,
		resolver: resolver,
		stats:    stats,
		tracker:  tracker,
		maxConns: opt.MaxConns,
	}
}

func (l *DoTCleartextListener) Start() error {
	Log.With("id", l.id, "protocol", "dot-cleartext", "addr", l.addr).Info("starting listener")
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
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

func (l *DoTCleartextListener) handle(conn net.Conn) {
	// The tracker keys listeners by bound port (TrackServer), so the
	// connection is counted and tracked under its local port.
	_, tid, _ := net.SplitHostPort(conn.LocalAddr().String())
	if l.tracker.Ended() || l.tracker.ConnCount(tid) >= l.MaxConns() {
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

	ci := ClientInfo{
		Listener: l.id,
		SourceIP: remoteIP,
		Flag:     "",
		Host:     cleartextSentinelHost,
	}

	d := newDoTConn(conn, l.resolver, ci, l.stats)
	d.serve(l.ioTimeout(), func() {})
}

func (l *DoTCleartextListener) ioTimeout() time.Duration {
	return time.Duration(l.opt.IOTimeoutMs) * time.Millisecond
}

func (l *DoTCleartextListener) Stop() error {
	Log.With("id", l.id, "protocol", "dot-cleartext", "addr", l.addr).Info("stopping listener")
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *DoTCleartextListener) SetMaxConns(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConns = n
}

func (l *DoTCleartextListener) MaxConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

func (l *DoTCleartextListener) String() string { return fmt.Sprintf("DoT-cleartext(%s)", l.addr) }

package edge

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// DoTProxyProtoListener is the PROXYv2 adapter listener (§4.4 flavour
// "DoT-ProxyProto", §4.6). It accepts plain TCP, parses a buffered
// PROXYv2 header off the connection preamble, forwards any remaining
// preamble bytes to the self-terminating DoT backend, then splices the
// two connections together for the rest of the session - the client's
// TLS ClientHello and everything after flows straight through without
// further adapter involvement.
type DoTProxyProtoListener struct {
	id           string
	addr         string
	upstreamAddr string
	opt          ListenOptions
	stats        *Stats
	tracker      *Tracker

	mu       sync.Mutex
	maxConns int
	ln       net.Listener
}

var _ Listener = &DoTProxyProtoListener{}

// NewDoTProxyProtoListener returns a PROXYv2 adapter listener bound to
// addr, splicing to the DoT backend at upstreamAddr once Start is
// called.
func NewDoTProxyProtoListener(id, addr, upstreamAddr string, opt ListenOptions, stats *Stats, tracker *Tracker) *DoTProxyProtoListener {
	return &DoTProxyProtoListener{
		id:           id,
		addr:         addr,
		upstreamAddr: upstreamAddr,
		opt:          opt,
		stats:        stats,
		tracker:      tracker,
		maxConns:     opt.MaxConns,
	}
}

func (l *DoTProxyProtoListener) Start() error {
	Log.With("id", l.id, "protocol", "dot-proxyproto", "addr", l.addr).Info("starting listener")
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

// handle does not apply opt.AllowedNet: client.RemoteAddr() here is the
// PROXYv2-speaking load balancer, not the real client the header
// describes, so checking it against the configured allow-list would
// filter on the wrong address. The DoT backend this listener splices to
// has no real client IP to check either, since splice forwards raw bytes
// with no PROXYv2 address parsing (see proxyV2Adapter.feed).
func (l *DoTProxyProtoListener) handle(client net.Conn) {
	// The tracker keys listeners by bound port (TrackServer), so the
	// connection is counted and tracked under its local port.
	_, tid, _ := net.SplitHostPort(client.LocalAddr().String())
	if l.tracker.Ended() || l.tracker.ConnCount(tid) >= l.MaxConns() {
		l.stats.Drop()
		client.Close()
		return
	}
	if id := l.tracker.TrackConn(tid, client); id == "" {
		client.Close()
		return
	}
	l.stats.IncTotalConns()
	defer func() {
		l.tracker.Untrack(tid, client)
		l.stats.DecOpenConns()
	}()

	upstream, err := net.Dial("tcp", l.upstreamAddr)
	if err != nil {
		Log.WithError(err).Error("proxyproto upstream dial failed")
		client.Close()
		return
	}

	adapter := newProxyV2Adapter()
	ioTimeout := time.Duration(l.opt.IOTimeoutMs) * time.Millisecond
	buf := make([]byte, 4096)
	for {
		if ioTimeout > 0 {
			_ = client.SetReadDeadline(time.Now().Add(ioTimeout))
		}
		n, err := client.Read(buf)
		if err != nil {
			client.Close()
			upstream.Close()
			return
		}
		rest, ok, err := adapter.feed(buf[:n])
		if err != nil {
			Log.WithError(err).Error("proxyproto header parse failed")
			client.Close()
			upstream.Close()
			return
		}
		if !ok {
			continue
		}
		if len(rest) > 0 {
			if _, err := upstream.Write(rest); err != nil {
				client.Close()
				upstream.Close()
				return
			}
		}
		break
	}

	_ = splice(client, upstream)
}

func (l *DoTProxyProtoListener) Stop() error {
	Log.With("id", l.id, "protocol", "dot-proxyproto", "addr", l.addr).Info("stopping listener")
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *DoTProxyProtoListener) SetMaxConns(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConns = n
}

func (l *DoTProxyProtoListener) MaxConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

func (l *DoTProxyProtoListener) String() string { return fmt.Sprintf("DoT-ProxyProto(%s)", l.addr) }

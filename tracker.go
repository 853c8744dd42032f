package edge

import (
	"expvar"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// connKey identifies a tracked connection by remoteAddr|remotePort.
type connKey string

func newConnKey(addr net.Addr) (connKey, bool) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", false
	}
	return connKey(host + "|" + port), true
}

// trackerSeq assigns each Tracker instance a unique id for its expvar
// namespace, the same way statsSeq does for Stats.
var trackerSeq int64

// Tracker is the process-wide registry of live listeners and their
// connections described in §4.1. Create one with NewTracker; the zero
// value has no maps allocated and is not usable.
type Tracker struct {
	mu         sync.Mutex
	ended      bool
	servers    map[string]Listener
	conns      map[string]map[connKey]net.Conn
	connCounts *expvar.Map
}

// NewTracker returns a ready-to-use Tracker. Per-listener connection
// counts are published via expvar (§3/C1) under
// "edge.tracker.<id>.connCounts", keyed by listener id, so /vars exposes
// live connection counts alongside the Stats counters.
func NewTracker() *Tracker {
	id := fmt.Sprintf("%d", atomic.AddInt64(&trackerSeq, 1))
	return &Tracker{
		servers:    make(map[string]Listener),
		conns:      make(map[string]map[connKey]net.Conn),
		connCounts: getVarMap("tracker", id, "connCounts"),
	}
}

// TrackServer registers a listener under its bound port. id is the zero
// value ("") if the tracker has already been ended.
func (t *Tracker) TrackServer(addr net.Addr, l Listener) string {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ""
	}
	t.servers[portStr] = l
	if _, ok := t.conns[portStr]; !ok {
		t.conns[portStr] = make(map[connKey]net.Conn)
	}
	return portStr
}

// TrackConn registers an accepted connection under the listener
// identified by id. It returns the zero-id ("") - and the caller must
// close sock - if the tracker has been ended, the listener isn't tracked,
// or sock has no remote address.
func (t *Tracker) TrackConn(id string, sock net.Conn) string {
	key, ok := newConnKey(sock.RemoteAddr())
	if !ok {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ""
	}
	m, ok := t.conns[id]
	if !ok {
		return ""
	}
	m[key] = sock
	t.connCounts.Add(id, 1)
	return string(key)
}

// ConnCount returns the number of connections currently tracked under
// listener id.
func (t *Tracker) ConnCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[id])
}

// Untrack removes a connection from its listener's map. Called from the
// connection's close handler.
func (t *Tracker) Untrack(id string, sock net.Conn) {
	key, ok := newConnKey(sock.RemoteAddr())
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.conns[id]; ok {
		if _, present := m[key]; present {
			delete(m, key)
			t.connCounts.Add(id, -1)
		}
	}
}

// Servers returns the currently tracked listeners.
func (t *Tracker) Servers() []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Listener, 0, len(t.servers))
	for _, l := range t.servers {
		out = append(out, l)
	}
	return out
}

// Conns returns every currently-tracked connection, across all listeners.
func (t *Tracker) Conns() []net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []net.Conn
	for _, m := range t.conns {
		for _, c := range m {
			out = append(out, c)
		}
	}
	return out
}

// End atomically replaces the listener list and connection maps with
// empty ones and returns the prior values, so the caller can force-close
// everything that was live at the moment of the swap. After End, every
// subsequent TrackConn call returns the zero-id.
func (t *Tracker) End() ([]Listener, []net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	servers := make([]Listener, 0, len(t.servers))
	for _, l := range t.servers {
		servers = append(servers, l)
	}
	var conns []net.Conn
	for _, m := range t.conns {
		for _, c := range m {
			conns = append(conns, c)
		}
	}

	for id, m := range t.conns {
		if n := len(m); n > 0 {
			t.connCounts.Add(id, -int64(n))
		}
	}

	t.ended = true
	t.servers = make(map[string]Listener)
	t.conns = make(map[string]map[connKey]net.Conn)
	return servers, conns
}

// Ended reports whether End has been called.
func (t *Tracker) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// trackedListener wraps a net.Listener so every accepted connection is
// admission-checked and registered with a Tracker before being handed to
// the caller, and automatically untracked when closed. Used by the HTTP-
// based listeners (DoH, health-check), which otherwise have no natural
// point to apply the per-listener cap before net/http takes over the
// connection.
type trackedListener struct {
	net.Listener
	id         string
	tracker    *Tracker
	stats      *Stats
	maxConns   func() int
	allowedNet []*net.IPNet
}

func (tl *trackedListener) Accept() (net.Conn, error) {
	for {
		conn, err := tl.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if tl.tracker.Ended() || tl.tracker.ConnCount(tl.id) >= tl.maxConns() {
			tl.stats.Drop()
			conn.Close()
			continue
		}
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err != nil || !isAllowed(tl.allowedNet, net.ParseIP(host)) {
			tl.stats.Drop()
			conn.Close()
			continue
		}
		if key := tl.tracker.TrackConn(tl.id, conn); key == "" {
			conn.Close()
			continue
		}
		tl.stats.IncTotalConns()
		return &trackedConn{Conn: conn, id: tl.id, tracker: tl.tracker, stats: tl.stats}, nil
	}
}

// trackedConn untracks and decrements the open-connection gauge exactly
// once when closed, however the close is triggered (idle timeout,
// protocol error, normal shutdown).
type trackedConn struct {
	net.Conn
	id        string
	tracker   *Tracker
	stats     *Stats
	closeOnce sync.Once
}

func (tc *trackedConn) Close() error {
	var err error
	tc.closeOnce.Do(func() {
		tc.tracker.Untrack(tc.id, tc.Conn)
		tc.stats.DecOpenConns()
		err = tc.Conn.Close()
	})
	return err
}

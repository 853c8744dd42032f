package edge

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func connCountVar(tr *Tracker, id string) string {
	v := tr.connCounts.Get(id)
	if v == nil {
		return "0"
	}
	return v.String()
}

const (
	defaultTestWait = time.Second
	defaultTestTick = 10 * time.Millisecond
)

func TestTrackerConnLifecycle(t *testing.T) {
	tr := NewTracker()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	id := tr.TrackServer(ln.Addr(), nil)
	require.NotEmpty(t, id)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	key := tr.TrackConn(id, conn)
	require.NotEmpty(t, key)
	require.Equal(t, 1, tr.ConnCount(id))
	require.Equal(t, "1", connCountVar(tr, id))

	tr.Untrack(id, conn)
	require.Equal(t, 0, tr.ConnCount(id))
	require.Equal(t, "0", connCountVar(tr, id))
}

func TestTrackerEndStopsFurtherTracking(t *testing.T) {
	tr := NewTracker()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	id := tr.TrackServer(ln.Addr(), nil)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	tr.TrackConn(id, conn)

	listeners, conns := tr.End()
	require.Len(t, conns, 1)
	require.Len(t, listeners, 1)

	require.True(t, tr.Ended())
	require.Empty(t, tr.TrackConn(id, conn))
}

func TestTrackedListenerEnforcesAllowedNet(t *testing.T) {
	tr := NewTracker()
	stats := NewStats()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	id := tr.TrackServer(ln.Addr(), nil)

	_, denyAll, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	tl := &trackedListener{
		Listener:   ln,
		id:         id,
		tracker:    tr,
		stats:      stats,
		maxConns:   func() int { return 10 },
		allowedNet: []*net.IPNet{denyAll},
	}
	defer tl.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := tl.Accept()
		acceptErrCh <- err
	}()

	require.Eventually(t, func() bool { return stats.Drops() == 1 }, defaultTestWait, defaultTestTick)
	require.Equal(t, 0, tr.ConnCount(id))

	tl.Close()
	<-acceptErrCh
}

func TestTrackedListenerEnforcesCap(t *testing.T) {
	tr := NewTracker()
	stats := NewStats()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	id := tr.TrackServer(ln.Addr(), nil)

	tl := &trackedListener{
		Listener: ln,
		id:       id,
		tracker:  tr,
		stats:    stats,
		maxConns: func() int { return 1 },
	}
	defer tl.Close()

	dial := func() net.Conn {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		return c
	}

	dial()
	accepted1, err := tl.Accept()
	require.NoError(t, err)
	defer accepted1.Close()
	require.Equal(t, 1, tr.ConnCount(id))

	// With the cap already at its single slot, a second Accept call loops
	// internally dropping every connection it sees until the listener is
	// closed; run it in a goroutine and confirm the drop is recorded.
	second := dial()
	defer second.Close()
	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := tl.Accept()
		acceptErrCh <- err
	}()

	require.Eventually(t, func() bool { return stats.Drops() == 1 }, defaultTestWait, defaultTestTick)

	tl.Close()
	<-acceptErrCh
}

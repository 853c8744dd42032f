package edge

import (
	"expvar"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// HealthListener is the health-check listener (§4.4 flavour "health",
// §4.10): a bare HTTP/1.1 endpoint that answers every request with 200 OK
// immediately, with no resolver involvement, so a load balancer can probe
// liveness without that probe competing with real queries for admission.
// It also serves /vars, exposing every Stats/Tracker counter published via
// expvar (§3/C1), the same "/routedns/vars" idiom the teacher's admin
// listener uses.
type HealthListener struct {
	id      string
	addr    string
	opt     ListenOptions
	stats   *Stats
	tracker *Tracker

	mu       sync.Mutex
	maxConns int
	ln       net.Listener
	srv      *http.Server
}

var _ Listener = &HealthListener{}

// NewHealthListener returns a health-check listener bound to addr once
// Start is called.
func NewHealthListener(id, addr string, opt ListenOptions, stats *Stats, tracker *Tracker) *HealthListener {
	return &HealthListener{
		id:       id,
		addr:     addr,
		opt:      opt,
		stats:    stats,
		tracker:  tracker,
		maxConns: opt.MaxConns,
	}
}

func (l *HealthListener) Start() error {
	Log.With("id", l.id, "protocol", "health", "addr", l.addr).Info("starting listener")

	tcpLn, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	tid := l.tracker.TrackServer(tcpLn.Addr(), l)
	l.ln = &trackedListener{
		Listener:   tcpLn,
		id:         tid,
		tracker:    l.tracker,
		stats:      l.stats,
		maxConns:   l.MaxConns,
		allowedNet: l.opt.AllowedNet,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.healthHandler)
	mux.Handle("/vars", expvar.Handler())
	l.srv = &http.Server{Handler: mux}

	err = l.srv.Serve(l.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *HealthListener) healthHandler(w http.ResponseWriter, r *http.Request) {
	l.stats.IncChecks()
	w.WriteHeader(http.StatusOK)
}

func (l *HealthListener) Stop() error {
	Log.With("id", l.id, "protocol", "health", "addr", l.addr).Info("stopping listener")
	if l.srv != nil {
		// Closing the server (not just the socket) makes Serve return
		// http.ErrServerClosed, so Start reports a clean stop.
		return l.srv.Close()
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *HealthListener) SetMaxConns(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConns = n
}

func (l *HealthListener) MaxConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

func (l *HealthListener) String() string { return fmt.Sprintf("health(%s)", l.addr) }

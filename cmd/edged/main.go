package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	edge "github.com/edgedns/edge"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "edged <config> [<config>..]",
		Short: "DNS-over-TLS/DNS-over-HTTPS connection front-end",
		Long: `DNS-over-TLS/DNS-over-HTTPS connection front-end.

Terminates DoT and DoH from the public internet, classifies each
connection by TLS SNI or HTTP Host into a routing flag and host, and
forwards the raw DNS wire message to an external resolver. Admission
is retuned continuously from host load and memory pressure, and TLS
session ticket keys are rotated on a fixed schedule.
`,
		Example: `  edged config.toml`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args)
		},
		SilenceUsage: true,
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, args []string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.Level(opt.logLevel))
	edge.Log = edge.NewLogrusLogger(logger)

	cfg, err := loadConfig(args...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allowedNet, err := parseCIDRList(cfg.Listen.AllowedNet)
	if err != nil {
		return fmt.Errorf("parsing allowed-net: %w", err)
	}

	stats := edge.NewStats()
	tracker := edge.NewTracker()
	lifecycle := edge.NewLifecycle()

	resolverTLS, err := edge.TLSClientConfig(cfg.Resolver.CA, cfg.Resolver.ClientCrt, cfg.Resolver.ClientKey, "")
	if err != nil {
		return fmt.Errorf("building resolver TLS config: %w", err)
	}
	resolver := edge.NewHTTPResolver("upstream", edge.HTTPResolverOptions{
		Endpoint:  cfg.Resolver.Endpoint,
		TLSConfig: resolverTLS,
	})

	listenOpt := edge.ListenOptions{
		Backlog:     cfg.Listen.TCPBacklog,
		IOTimeoutMs: cfg.Listen.IOTimeoutMs,
		AllowedNet:  allowedNet,
		MaxConns:    cfg.Admission.MaxConns,
	}

	var tlsRotator = edge.NewTicketKeyRotator(edge.TicketKeySource{})
	var dnsListeners []edge.Listener
	var allListeners []edge.Listener

	if !cfg.Listen.IsCleartext {
		if cfg.Listen.DoTAddr == "" || cfg.Listen.DoHAddr == "" {
			return errors.New("dot-addr and doh-addr are required unless is-cleartext is set")
		}

		tlsConfig, err := edge.TLSServerConfig(cfg.TLS.CA, cfg.TLS.ServerCrt, cfg.TLS.ServerKey, cfg.TLS.MutualTLS)
		if err != nil {
			return fmt.Errorf("building listener TLS config: %w", err)
		}
		seed, err := ticketSeed(cfg, tlsConfig)
		if err != nil {
			return fmt.Errorf("deriving ticket key seed: %w", err)
		}
		tlsRotator = edge.NewTicketKeyRotator(edge.TicketKeySource{Seed: seed, ImageRef: cfg.TLS.ImageRef})

		dotTLS := tlsConfig.Clone()
		dot := edge.NewDoTListener("dot", cfg.Listen.DoTAddr, listenOpt, dotTLS, resolver, stats, tracker)
		tlsRotator.Register("dot", dot.ApplyTicketKey)
		dnsListeners = append(dnsListeners, dot)

		dohTLS := tlsConfig.Clone()
		doh := edge.NewDoHListener("doh", cfg.Listen.DoHAddr, listenOpt, dohTLS, resolver, stats, tracker)
		dnsListeners = append(dnsListeners, doh)
	}

	if cfg.Listen.DoTCleartextAddr != "" {
		dnsListeners = append(dnsListeners, edge.NewDoTCleartextListener("dot-cleartext", cfg.Listen.DoTCleartextAddr, listenOpt, resolver, stats, tracker))
	}
	if cfg.Listen.DoHCleartextAddr != "" {
		dnsListeners = append(dnsListeners, edge.NewDoHListener("doh-cleartext", cfg.Listen.DoHCleartextAddr, listenOpt, nil, resolver, stats, tracker))
	}
	if cfg.Listen.DoTProxyAddr != "" {
		if cfg.Listen.DoTProxyUpstream == "" {
			return errors.New("dot-proxyproto-upstream is required when dot-proxyproto-addr is set")
		}
		dnsListeners = append(dnsListeners, edge.NewDoTProxyProtoListener("dot-proxyproto", cfg.Listen.DoTProxyAddr, cfg.Listen.DoTProxyUpstream, listenOpt, stats, tracker))
	}

	health := edge.NewHealthListener("health", cfg.Listen.HealthAddr, listenOpt, stats, tracker)
	allListeners = append(allListeners, dnsListeners...)
	allListeners = append(allListeners, health)

	admission := edge.NewAdmission(
		edge.AdmissionOptions{MinConns: cfg.Admission.MinConns, MaxConns: cfg.Admission.MaxConns, IsCloud: !cfg.Admission.OnLocal},
		stats, dnsListeners,
		func(on bool) {
			if on {
				debug.SetGCPercent(50)
			} else {
				debug.SetGCPercent(100)
			}
		},
		func() { lifecycle.Publish("stop") },
	)

	heartbeat := edge.NewHeartbeat(stats, func() int { return cfg.Admission.MaxConns }, "", !cfg.Admission.OnLocal)

	lifecycle.On("go", func() {
		for _, l := range allListeners {
			go runListener(l, tracker)
		}
		admission.Start()
		tlsRotator.Start()
		heartbeat.Start()
	})

	stopped := make(chan struct{})
	lifecycle.On("stop", func() {
		defer close(stopped)
		gracefulShutdown(cfg, admission, tlsRotator, heartbeat, tracker)
	})

	lifecycle.Publish("prepare")
	lifecycle.Publish("go")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	edge.Log.Info("received shutdown signal")
	lifecycle.Publish("stop")
	<-stopped
	return nil
}

// runListener restarts a listener after a transient Start failure, unless
// the tracker has already been ended - a listener closed during graceful
// shutdown should not be restarted.
func runListener(l edge.Listener, tracker *edge.Tracker) {
	for {
		err := l.Start()
		if tracker.Ended() {
			return
		}
		edge.Log.WithError(err).Error("listener failed")
		time.Sleep(time.Second)
	}
}

// gracefulShutdown implements §4.11: force the process down after
// shutdownTimeoutMs regardless of outstanding work, reduce admission to
// health-checks-only, tear down every tracked connection and listener,
// then exit. No final heap snapshot is taken.
func gracefulShutdown(cfg config, admission *edge.Admission, rotator *edge.TicketKeyRotator, heartbeat *edge.Heartbeat, tracker *edge.Tracker) {
	timeout := time.Duration(cfg.Listen.ShutdownTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		edge.Log.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	})
	defer timer.Stop()

	admission.Stop()
	rotator.Stop()
	heartbeat.Stop()

	one := 1
	admission.Tick(&one)

	listeners, conns := tracker.End()
	for _, c := range conns {
		c.Close()
	}
	for _, l := range listeners {
		if err := l.Stop(); err != nil {
			edge.Log.WithError(err).Warn("listener stop failed")
		}
	}

	edge.Log.Info("shutdown complete")
	os.Exit(0)
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ticketSeed returns the HKDF seed for session ticket key derivation:
// the configured secret if present, otherwise the server's TLS private
// key bytes (§4.5, §6).
func ticketSeed(cfg config, tlsConfig *tls.Config) ([]byte, error) {
	if cfg.TLS.SecretB64 != "" {
		return base64.StdEncoding.DecodeString(cfg.TLS.SecretB64)
	}
	if len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("no secret-b64 configured and no server certificate loaded to derive a seed from")
	}
	key := tlsConfig.Certificates[0].PrivateKey
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(k), nil
	case *ecdsa.PrivateKey:
		return x509.MarshalECPrivateKey(k)
	default:
		return nil, fmt.Errorf("unsupported private key type %T for ticket seed derivation", key)
	}
}

package main

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// config is the top-level TOML configuration for edged, covering the
// listener ports, admission bounds, TLS material and ticket-key source
// described in §6.
type config struct {
	Listen    listenConfig
	TLS       tlsConfig      `toml:"tls"`
	Admission admissionCfg   `toml:"admission"`
	Resolver  resolverConfig `toml:"resolver"`
}

type listenConfig struct {
	DoTAddr          string `toml:"dot-addr"`
	DoTCleartextAddr string `toml:"dot-cleartext-addr"`
	DoTProxyAddr     string `toml:"dot-proxyproto-addr"`
	DoHAddr          string `toml:"doh-addr"`
	DoHCleartextAddr string `toml:"doh-cleartext-addr"`
	HealthAddr       string `toml:"health-addr"`

	TCPBacklog        int `toml:"tcp-backlog"`
	IOTimeoutMs       int `toml:"io-timeout-ms"`
	ShutdownTimeoutMs int `toml:"shutdown-timeout-ms"`

	// IsCleartext skips the TLS DoT and DoH listeners (dot-addr and
	// doh-addr are then not required). The cleartext listeners are started
	// whenever their own addresses are set, whether or not this is set.
	IsCleartext bool `toml:"is-cleartext"`

	// DoTProxyUpstream is the dot-proxyproto listener's splice target; it
	// must name the upstream DoT backend's address.
	DoTProxyUpstream string `toml:"dot-proxyproto-upstream"`

	AllowedNet []string `toml:"allowed-net"`
}

type tlsConfig struct {
	CA        string `toml:"ca"`
	ServerCrt string `toml:"server-crt"`
	ServerKey string `toml:"server-key"`
	MutualTLS bool   `toml:"mutual-tls"`

	// SecretB64 and ImageRef feed the session-ticket-key derivation (§4.5).
	// When SecretB64 is empty the server's TLS private key is used as the
	// HKDF seed instead.
	SecretB64 string `toml:"secret-b64"`
	ImageRef  string `toml:"image-ref"`
}

type admissionCfg struct {
	MinConns int `toml:"min-conns"`
	MaxConns int `toml:"max-conns"`

	// OnLocal disables the very-low-memory shutdown escalation that's
	// otherwise appropriate for a cloud deployment that can simply be
	// rescheduled elsewhere (§6, SPEC_FULL.md OQ4).
	OnLocal bool `toml:"on-local"`

	MeasureHeap bool `toml:"measure-heap"`
}

type resolverConfig struct {
	Endpoint  string `toml:"endpoint"`
	CA        string `toml:"ca"`
	ClientCrt string `toml:"client-crt"`
	ClientKey string `toml:"client-key"`
}

// loadConfig reads and merges one or more TOML config files, mirroring the
// multi-file merge behaviour of the front-end this is modeled on.
func loadConfig(names ...string) (config, error) {
	b := new(bytes.Buffer)
	var c config
	for _, name := range names {
		if err := loadFile(b, name); err != nil {
			return c, err
		}
		b.WriteString("\n")
	}
	_, err := toml.DecodeReader(b, &c)
	return c, err
}

func loadFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

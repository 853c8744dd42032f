package edge

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ticketRotationPeriod is the weekly rotation cadence from §4.5.
const ticketRotationPeriod = 7 * 24 * time.Hour

// ticketKeySize is the length of the derived session ticket key. Node's
// tls session ticket keys are a 48-byte name+HMAC+AES triple; this
// front-end derives the same width and folds it down to 32 bytes when
// applying it to crypto/tls (see ApplyTicketKey in tls.go).
const ticketKeySize = 48

// TicketKeySource supplies the seed and context material C10 derives
// rotated session ticket keys from.
type TicketKeySource struct {
	// Seed is the HKDF input keying material. The caller chooses it: the
	// decoded base64 secret if one is configured, else the TLS private key
	// bytes (see ticketSeed in cmd/edged).
	Seed []byte

	// ImageRef is appended to the monthly rotation context, e.g. a
	// build/deploy identifier, empty if not configured.
	ImageRef string
}

// deriveTicketKey derives a 48-byte ticket key from (seed, context) via
// HKDF-SHA256, where context is "<UTC-year> <UTC-month><imageRef>" as
// described in §4.5.
func deriveTicketKey(src TicketKeySource, now time.Time) ([48]byte, error) {
	utc := now.UTC()
	context := fmt.Sprintf("%d %02d%s", utc.Year(), int(utc.Month()), src.ImageRef)

	var out [48]byte
	r := hkdf.New(sha256.New, src.Seed, nil, []byte(context))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// TicketKeyRotator re-derives and applies session ticket keys for a set
// of TLS listeners every ticketRotationPeriod. Failures are logged and do
// not abort rotation of the remaining listeners or future ticks - per
// §4.5, rotation failures are never fatal.
//
// Unlike the original source this is modeled on, which referenced an
// undefined interval handle (`rottm`) in its teardown path - dead code,
// per SPEC_FULL.md OQ3 - this rotator owns a single ticker that Stop
// cancels explicitly.
type TicketKeyRotator struct {
	src       TicketKeySource
	listeners map[string]*tlsListenerRef
	ticker    *time.Ticker
	stopCh    chan struct{}
}

// tlsListenerRef is the minimal surface TicketKeyRotator needs from a TLS
// listener: a name for logging and a way to apply a freshly-derived key.
type tlsListenerRef struct {
	name  string
	apply func(key [48]byte)
}

// NewTicketKeyRotator returns a rotator with no listeners; add them with
// Register.
func NewTicketKeyRotator(src TicketKeySource) *TicketKeyRotator {
	return &TicketKeyRotator{
		src:       src,
		listeners: make(map[string]*tlsListenerRef),
	}
}

// Register adds a TLS listener to the rotation set.
func (r *TicketKeyRotator) Register(name string, apply func(key [48]byte)) {
	r.listeners[name] = &tlsListenerRef{name: name, apply: apply}
}

// Start begins the weekly rotation loop, deriving and applying an initial
// key immediately.
func (r *TicketKeyRotator) Start() {
	r.rotate(time.Now())
	r.ticker = time.NewTicker(ticketRotationPeriod)
	r.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case <-r.ticker.C:
				r.rotate(time.Now())
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the rotation loop.
func (r *TicketKeyRotator) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *TicketKeyRotator) rotate(now time.Time) {
	key, err := deriveTicketKey(r.src, now)
	if err != nil {
		Log.WithError(err).Error("ticket key derivation failed")
		return
	}
	for _, l := range r.listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					Log.With("listener", l.name, "panic", p).Error("ticket key apply panicked")
				}
			}()
			l.apply(key)
		}()
	}
}

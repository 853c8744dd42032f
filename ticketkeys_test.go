package edge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveTicketKeyDeterministicPerMonth(t *testing.T) {
	src := TicketKeySource{Seed: []byte("a-secret-seed")}
	now := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)

	k1, err := deriveTicketKey(src, now)
	require.NoError(t, err)
	k2, err := deriveTicketKey(src, now.Add(10*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, k1, k2) // same month -> same key

	nextMonth := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	k3, err := deriveTicketKey(src, nextMonth)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestDeriveTicketKeyVariesByImageRef(t *testing.T) {
	now := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	k1, err := deriveTicketKey(TicketKeySource{Seed: []byte("seed"), ImageRef: "build-1"}, now)
	require.NoError(t, err)
	k2, err := deriveTicketKey(TicketKeySource{Seed: []byte("seed"), ImageRef: "build-2"}, now)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestTicketKeyRotatorAppliesToRegisteredListeners(t *testing.T) {
	r := NewTicketKeyRotator(TicketKeySource{Seed: []byte("seed")})
	var applied [48]byte
	var called bool
	r.Register("dot", func(key [48]byte) {
		applied = key
		called = true
	})

	r.rotate(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, called)
	require.NotEqual(t, [48]byte{}, applied)
}

func TestTicketKeyRotatorSurvivesPanickingListener(t *testing.T) {
	r := NewTicketKeyRotator(TicketKeySource{Seed: []byte("seed")})
	var secondCalled bool
	r.Register("broken", func(key [48]byte) { panic("boom") })
	r.Register("fine", func(key [48]byte) { secondCalled = true })

	require.NotPanics(t, func() { r.rotate(time.Now()) })
	require.True(t, secondCalled)
}

package edge

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLogrusLoggerWithFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.Out = &buf
	base.Formatter = &logrus.JSONFormatter{}

	l := NewLogrusLogger(base)
	l.With("id", "listener-1").WithError(errors.New("boom")).Error("something failed")

	out := buf.String()
	require.Contains(t, out, "listener-1")
	require.Contains(t, out, "boom")
	require.Contains(t, out, "something failed")
}

func TestSilentLoggerIsNoop(t *testing.T) {
	var s Silent
	require.NotPanics(t, func() {
		s.With("a", 1).WithError(errors.New("x")).Info("msg", "k", "v")
		s.Debug("msg")
		s.Warn("msg")
		s.Error("msg")
	})
}

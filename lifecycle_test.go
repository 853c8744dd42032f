package edge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecyclePublishRunsSubscribersInOrder(t *testing.T) {
	l := NewLifecycle()
	var order []int

	l.On("go", func() { order = append(order, 1) })
	l.On("go", func() { order = append(order, 2) })
	l.On("stop", func() { order = append(order, 99) })

	l.Publish("go")
	require.Equal(t, []int{1, 2}, order)

	l.Publish("stop")
	require.Equal(t, []int{1, 2, 99}, order)
}

func TestLifecyclePublishUnknownEventIsNoop(t *testing.T) {
	l := NewLifecycle()
	require.NotPanics(t, func() { l.Publish("never-registered") })
}

package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterCounter("ws", "frames_total", newTestCounter("frames_total"))
	require.NoError(t, err)

	assert.True(t, r.Unregister("ws", "frames_total"))
	assert.False(t, r.Unregister("ws", "frames_total"))
}

func TestRegistry_DuplicateKeyRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("ws", "frames_total", newTestCounter("frames_total")))

	err := r.RegisterCounter("ws", "frames_total", newTestCounter("frames_total_other"))
	assert.Error(t, err)
}

func TestRegistry_UnregisterComponent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("worker", "sent_total", newTestCounter("sent_total")))
	require.NoError(t, r.RegisterCounter("worker", "failed_total", newTestCounter("failed_total")))
	require.NoError(t, r.RegisterCounter("ws", "frames_total", newTestCounter("frames_total")))

	removed := r.UnregisterComponent("worker")
	assert.Equal(t, 2, removed)

	// ws metric untouched
	assert.True(t, r.Unregister("ws", "frames_total"))
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r.Handler())
	assert.NotNil(t, r.PrometheusRegistry())
}

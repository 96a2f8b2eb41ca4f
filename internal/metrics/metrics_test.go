package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Spindle/internal/wire"
)

// gathered returns the value of every sample of a family, keyed by its code label.
func gathered(t *testing.T, m *Metrics, name string) map[string]float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	out := make(map[string]float64)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, s := range f.GetMetric() {
			label := ""
			for _, l := range s.GetLabel() {
				if l.GetName() == "code" {
					label = l.GetValue()
				}
			}

			switch {
			case s.GetCounter() != nil:
				out[label] = s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				out[label] = s.GetGauge().GetValue()
			}
		}
	}

	return out
}

func TestCounters(t *testing.T) {
	m := New()

	m.Received(wire.CodeLocateResource)
	m.Received(wire.CodeLocateResource)
	m.Received(wire.CodeRouterSet)
	m.Forwarded(wire.CodeLocateResource)
	m.Terminated(wire.CodeClosestNode)
	m.Dropped(wire.CodeClosestNodeResponse)
	m.Duplicate()

	assert.Equal(t, map[string]float64{"LocateResource": 2, "RouterSet": 1}, gathered(t, m, "spindle_messages_received_total"))
	assert.Equal(t, map[string]float64{"LocateResource": 1}, gathered(t, m, "spindle_messages_forwarded_total"))
	assert.Equal(t, map[string]float64{"ClosestNode": 1}, gathered(t, m, "spindle_messages_terminated_total"))
	assert.Equal(t, map[string]float64{"ClosestNodeResponse": 1}, gathered(t, m, "spindle_messages_dropped_total"))
	assert.Equal(t, map[string]float64{"": 1}, gathered(t, m, "spindle_messages_duplicate_total"))
}

func TestGauge(t *testing.T) {
	m := New()

	v := 3.0
	m.Gauge("network_size_estimate", "Estimated number of nodes.", func() float64 { return v })

	assert.Equal(t, map[string]float64{"": 3}, gathered(t, m, "spindle_network_size_estimate"))

	v = 5
	assert.Equal(t, map[string]float64{"": 5}, gathered(t, m, "spindle_network_size_estimate"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Received(wire.CodeHello)
		m.Forwarded(wire.CodeHello)
		m.Terminated(wire.CodeHello)
		m.Dropped(wire.CodeHello)
		m.Duplicate()
		m.Gauge("x", "x", func() float64 { return 0 })
	})
}

package node

import (
	"math"
	"slices"

	"github.com/google/uuid"

	"Spindle/internal/api"
	"Spindle/internal/nodeid"
	"Spindle/internal/routing"
)

// Status reports the overlay state of the node.
func (n *Node) Status() api.Status {
	s := api.Status{
		ID:          n.ID().String(),
		Address:     n.Addr(),
		Neighbours:  []api.Neighbour{},
		Routers:     []api.Router{},
		NetworkSize: finite(n.NetworkSizeEstimation()),
		Resources:   n.tree.Len(),
	}

	for _, nb := range n.router.Neighbours() {
		s.Neighbours = append(s.Neighbours, api.Neighbour{Slot: n.router.SlotOf(nb.ID()), ID: nb.ID().String()})
	}

	slices.SortFunc(s.Neighbours, func(a, b api.Neighbour) int { return a.Slot - b.Slot })

	for level, r := range n.router.Routers() {
		s.Routers = append(s.Routers, api.Router{Level: level, Distance: r.Distance, Spindle: ids(r.Spindle)})
	}

	s.Belt.Left = beltID(n.belt.Get(nodeid.Left))
	s.Belt.Right = beltID(n.belt.Get(nodeid.Right))

	if count, ok := n.CumulatedCount(); ok {
		s.CumulatedCount = &count
	}

	s.DeferredRecipients = ids(n.deferred.Recipients())
	if s.DeferredRecipients == nil {
		s.DeferredRecipients = []string{}
	}

	return s
}

// registerGauges exposes the overlay state as gauges.
func (n *Node) registerGauges() {
	n.metrics.Gauge("neighbours", "Nodes in the routing table.", func() float64 {
		return float64(len(n.router.Neighbours()))
	})

	n.metrics.Gauge("network_size_estimate", "Population estimated from the empty routing levels.", func() float64 {
		return finite(n.router.NetworkSizeEstimation())
	})

	n.metrics.Gauge("resources_tracked", "Resources with a directory entry at this node.", func() float64 {
		return float64(n.tree.Len())
	})

	n.metrics.Gauge("deferred_recipients", "Recipients with a deferred queue at this node.", func() float64 {
		return float64(len(n.deferred.Recipients()))
	})

	n.metrics.Gauge("belt_complete", "1 when both ring neighbours are known.", func() float64 {
		if n.belt.Complete() {
			return 1
		}
		return 0
	})

	if n.cumulation != nil {
		n.metrics.Gauge("cumulated_count", "Node count aggregated over the network.", func() float64 {
			count, _ := n.CumulatedCount()
			return count
		})
	}
}

// finite maps an infinite estimate to zero.
func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}

	return v
}

func ids(in []uuid.UUID) []string {
	if len(in) == 0 {
		return nil
	}

	out := make([]string, len(in))
	for i, id := range in {
		out[i] = id.String()
	}

	return out
}

func beltID(nb routing.Neighbour) string {
	if nb == nil || !nb.Open() {
		return ""
	}

	return nb.ID().String()
}

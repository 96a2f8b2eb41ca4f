// Package cumulation aggregates network-wide statistics over the routing
// structure.
//
// For every routing level l a node keeps V[l], the aggregate of all nodes
// sharing its first l bits. V[l] combines V[l+1] with the value of the
// sibling region at slot l, which is learned from the neighbour at that slot
// or relayed by neighbours sharing a longer prefix. V[0] covers the whole
// network.
package cumulation

import (
	"fmt"
	"math"
)

// Kind identifies an aggregation.
type Kind uint8

const (
	ExactCount       Kind = 0 // ExactCount counts nodes exactly
	ApproximateCount Kind = 1 // ApproximateCount counts nodes within a relative tolerance
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case ExactCount:
		return "exact_count"
	case ApproximateCount:
		return "approximate_count"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultTolerance is the relative tolerance of the approximate count.
const DefaultTolerance = 0.5

// Cumulation describes an aggregation. It holds no state.
type Cumulation struct {
	Kind      Kind    // Kind identifies the aggregation
	Tolerance float64 // Tolerance is the relative error accepted before propagating
}

// Exact returns the exact node count.
func Exact() Cumulation {
	return Cumulation{Kind: ExactCount}
}

// Approximate returns the approximate node count with the given tolerance.
func Approximate(tolerance float64) Cumulation {
	return Cumulation{Kind: ApproximateCount, Tolerance: tolerance}
}

// Terminal returns the value of a single node.
func (c Cumulation) Terminal() Value {
	return Value{Kind: c.Kind, Count: 1}
}

// CloseEnough reports whether b may be suppressed in favour of a.
func (c Cumulation) CloseEnough(a, b Value) bool {
	c.check(a)
	c.check(b)

	if c.Kind == ExactCount {
		return a.Count == b.Count
	}

	if a.Count == b.Count {
		return true
	}

	scale := math.Max(math.Abs(a.Count), math.Abs(b.Count))

	return math.Abs(a.Count-b.Count) < c.Tolerance*scale
}

// check panics when v does not belong to c.
func (c Cumulation) check(v Value) {
	if v.Kind != c.Kind {
		panic(fmt.Sprintf("cumulation: value of kind %s used with %s", v.Kind, c.Kind))
	}
}

// Value is an aggregate of some kind.
type Value struct {
	Kind  Kind    // Kind is the aggregation the value belongs to
	Count float64 // Count is the aggregate
}

// Combine merges two aggregates. Both must be of the same kind.
func (v Value) Combine(o Value) Value {
	if v.Kind != o.Kind {
		panic(fmt.Sprintf("cumulation: combining %s with %s", v.Kind, o.Kind))
	}

	return Value{Kind: v.Kind, Count: v.Count + o.Count}
}

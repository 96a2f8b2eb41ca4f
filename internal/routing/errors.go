package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrNeighbourCollision is matched by NeighbourCollisionError.
	ErrNeighbourCollision = errors.New("neighbour slot already occupied")

	// ErrBookedNeighbourPosition is matched by BookedNeighbourPositionError.
	ErrBookedNeighbourPosition = errors.New("neighbour slot is booked")

	// ErrNotBooked is returned when a booked admission targets an unbooked slot.
	ErrNotBooked = errors.New("neighbour slot is not booked")

	// ErrSelf is returned when the local node is offered as its own neighbour.
	ErrSelf = errors.New("neighbour is the local node")

	// ErrWaitTimeout is returned when a blocking wait gives up.
	ErrWaitTimeout = errors.New("wait timed out")
)

// NeighbourCollisionError reports an occupied slot.
type NeighbourCollisionError struct {
	Slot int // Slot is the contested prefix length
}

func (e *NeighbourCollisionError) Error() string {
	return fmt.Sprintf("slot %d: %s", e.Slot, ErrNeighbourCollision)
}

// Is matches ErrNeighbourCollision.
func (e *NeighbourCollisionError) Is(target error) bool {
	return target == ErrNeighbourCollision
}

// BookedNeighbourPositionError reports a slot reserved by another handshake.
type BookedNeighbourPositionError struct {
	Slot int // Slot is the contested prefix length
}

func (e *BookedNeighbourPositionError) Error() string {
	return fmt.Sprintf("slot %d: %s", e.Slot, ErrBookedNeighbourPosition)
}

// Is matches ErrBookedNeighbourPosition.
func (e *BookedNeighbourPositionError) Is(target error) bool {
	return target == ErrBookedNeighbourPosition
}

package routing

import (
	"context"
	"errors"
	"fmt"
)

// BookNeighbour reserves slot i for a pending handshake.
func (s *LocalRouterSet) BookNeighbour(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bookLocked(i)
}

// bookLocked reserves slot i if it is neither occupied nor booked.
func (s *LocalRouterSet) bookLocked(i int) error {
	sl := s.slotLocked(i)

	if sl.neighbour != nil {
		return &NeighbourCollisionError{Slot: i}
	}

	if sl.booked {
		return &BookedNeighbourPositionError{Slot: i}
	}

	sl.booked = true
	sl.unbooked = make(chan struct{})

	return nil
}

// BookNeighbourWait reserves slot i, waiting for a concurrent booking to be
// released. It fails at once if the slot is occupied and returns
// ErrWaitTimeout when ctx expires first.
func (s *LocalRouterSet) BookNeighbourWait(ctx context.Context, i int) error {
	for {
		s.mu.Lock()
		err := s.bookLocked(i)

		var booked *BookedNeighbourPositionError
		if !errors.As(err, &booked) {
			s.mu.Unlock()
			return err
		}

		released := s.slots[i].unbooked
		s.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return fmt.Errorf("book slot %d:\n%w", i, ErrWaitTimeout)
		}
	}
}

// UnbookNeighbour releases the booking of slot i and wakes waiters.
func (s *LocalRouterSet) UnbookNeighbour(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.slots) || !s.slots[i].booked {
		return
	}

	s.slots[i].booked = false
	close(s.slots[i].unbooked)
	s.slots[i].unbooked = nil
	s.trimSlotsLocked()
}

// IsBooked reports whether slot i is reserved.
func (s *LocalRouterSet) IsBooked(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return i >= 0 && i < len(s.slots) && s.slots[i].booked
}

// WaitForUnbook blocks until slot i is not booked. It returns ErrWaitTimeout
// when ctx expires first.
func (s *LocalRouterSet) WaitForUnbook(ctx context.Context, i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.slots) || !s.slots[i].booked {
		s.mu.Unlock()
		return nil
	}

	released := s.slots[i].unbooked
	s.mu.Unlock()

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait unbook slot %d:\n%w", i, ErrWaitTimeout)
	}
}

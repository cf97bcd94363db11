package state

import "math"

// createBooking overwrites the booking slot with a fresh record starting
// at the current height, whatever the previous record's status.
func createBooking(o *overlay, c call) error {
	b := BookingConfig{
		Start:  c.height,
		End:    saturatingAdd(c.height, BookingDuration),
		Status: BookingStatusCreated,
	}
	o.SetBooking(b)
	return o.Deposit(EventCreateBooking, c.caller, CreateBookingEvent{
		Start:  b.Start,
		End:    b.End,
		Status: b.Status,
	})
}

// completeBooking marks an existing booking Completed. Prior status is not
// checked and no event is emitted; a missing booking is a no-op.
func completeBooking(o *overlay, _ call) error {
	b, ok := o.Booking()
	if !ok {
		return nil
	}
	b.Status = BookingStatusCompleted
	o.SetBooking(b)
	return nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

package state

import (
	"encoding/json"
	"fmt"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
)

// overlay stages the writes of one call. Handlers read through it and
// write into it; the base store is untouched until commit.
type overlay struct {
	base    *Store
	height  uint64
	txID    string
	applied string
	digest  string

	booking    *BookingConfig
	bookingSet bool
	counter    uint32
	counterSet bool
	events     []Event
}

func newOverlay(base *Store, c call, digest string) *overlay {
	return &overlay{
		base:    base,
		txID:    c.tx.TxID,
		height:  c.height,
		applied: appliedKey(c.caller, c.tx.TxID),
		digest:  digest,
	}
}

func (o *overlay) Booking() (BookingConfig, bool) {
	if o.bookingSet {
		return *o.booking, true
	}
	if o.base.Booking == nil {
		return BookingConfig{}, false
	}
	return *o.base.Booking, true
}

func (o *overlay) SetBooking(b BookingConfig) {
	o.booking = &b
	o.bookingSet = true
}

func (o *overlay) Counter() (uint32, bool) {
	if o.counterSet {
		return o.counter, true
	}
	if o.base.Counter == nil {
		return 0, false
	}
	return *o.base.Counter, true
}

func (o *overlay) SetCounter(v uint32) {
	o.counter = v
	o.counterSet = true
}

func (o *overlay) Deposit(eventType EventType, actor keys.Identity, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	o.events = append(o.events, Event{
		Seq:     uint64(len(o.base.Events)+len(o.events)) + 1,
		Height:  o.height,
		TxID:    o.txID,
		Type:    eventType,
		Actor:   actor,
		Payload: raw,
	})
	return nil
}

// commit applies staged writes to the base store and returns the events
// appended by this call.
func (o *overlay) commit() []Event {
	if o.bookingSet {
		b := *o.booking
		o.base.Booking = &b
	}
	if o.counterSet {
		v := o.counter
		o.base.Counter = &v
	}
	o.base.Events = append(o.base.Events, o.events...)
	o.base.AppliedTx[o.applied] = AppliedTx{Height: o.height, Digest: o.digest}
	return o.events
}

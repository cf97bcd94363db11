package state

import (
	"math"

	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

func setCounter(o *overlay, c call) error {
	payload, err := protocol.DecodePayload[protocol.SetCounterPayload](c.tx.Payload)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeInvalidTx, "decode set_counter payload", err)
	}
	o.SetCounter(payload.Value)
	return o.Deposit(EventSomethingStored, c.caller, SomethingStoredEvent{
		Value: payload.Value,
		Who:   c.caller,
	})
}

func incrementCounter(o *overlay, _ call) error {
	v, ok := o.Counter()
	if !ok {
		return ledgererr.ErrNoneValue
	}
	if v == math.MaxUint32 {
		return ledgererr.ErrStorageOverflow
	}
	o.SetCounter(v + 1)
	return nil
}

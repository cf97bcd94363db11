package state

import (
	"fmt"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

// call is the authorized context handed to a handler.
type call struct {
	tx     protocol.Tx
	caller keys.Identity
	height uint64
}

type handler func(o *overlay, c call) error

var handlers = map[protocol.Operation]handler{
	protocol.OpCreateBooking:    createBooking,
	protocol.OpCompleteBooking:  completeBooking,
	protocol.OpSetCounter:       setCounter,
	protocol.OpIncrementCounter: incrementCounter,
}

func init() {
	for _, op := range protocol.Operations() {
		if _, ok := handlers[op]; !ok {
			panic(fmt.Sprintf("state: no handler for operation %s", op))
		}
	}
}

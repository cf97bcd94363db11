package state

import (
	"encoding/json"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
)

// BookingStatus is the lifecycle tag of a booking record.
type BookingStatus string

const (
	BookingStatusCreated   BookingStatus = "Created"
	BookingStatusActive    BookingStatus = "Active"
	BookingStatusCompleted BookingStatus = "Completed"
)

// BookingDuration is the number of heights a new booking spans.
const BookingDuration uint64 = 10

type BookingConfig struct {
	Start  uint64        `json:"start"`
	End    uint64        `json:"end"`
	Status BookingStatus `json:"status"`
}

// EventType names an event emitted by a successful call.
type EventType string

const (
	EventCreateBooking   EventType = "CreateBooking"
	EventSomethingStored EventType = "SomethingStored"
)

// Event is one immutable entry of the ledger event log.
type Event struct {
	Seq     uint64          `json:"seq"`
	Height  uint64          `json:"height"`
	TxID    string          `json:"txId"`
	Type    EventType       `json:"type"`
	Actor   keys.Identity   `json:"actor"`
	Payload json.RawMessage `json:"payload"`
}

type CreateBookingEvent struct {
	Start  uint64        `json:"start"`
	End    uint64        `json:"end"`
	Status BookingStatus `json:"status"`
}

type SomethingStoredEvent struct {
	Value uint32        `json:"value"`
	Who   keys.Identity `json:"who"`
}

// AppliedTx records where a tx was committed and a digest of its signed
// content.
type AppliedTx struct {
	Height uint64 `json:"height"`
	Digest string `json:"digest"`
}

// appliedKey scopes a tx id to its signer so one identity cannot claim
// another's ids.
func appliedKey(signer keys.Identity, txID string) string {
	return string(signer) + "|" + txID
}

// Store holds the persisted ledger slots. It is only mutated through an
// overlay committed by the Machine.
type Store struct {
	Booking   *BookingConfig    `json:"booking,omitempty"`
	Counter   *uint32           `json:"counter,omitempty"`
	Events    []Event           `json:"events"`
	AppliedTx map[string]AppliedTx `json:"appliedTx"`
}

func emptyStore() Store {
	return Store{
		Events:    []Event{},
		AppliedTx: map[string]AppliedTx{},
	}
}

func (s *Store) normalize() {
	if s.Events == nil {
		s.Events = []Event{}
	}
	if s.AppliedTx == nil {
		s.AppliedTx = map[string]AppliedTx{}
	}
}

func cloneEvent(in Event) Event {
	if in.Payload != nil {
		in.Payload = append([]byte(nil), in.Payload...)
	}
	return in
}

// DecodeEvent decodes an event payload into its typed form.
func DecodeEvent[T any](e Event) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

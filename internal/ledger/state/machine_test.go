package state

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(events []Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func newTestMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	reg, err := keys.NewRegistry(keys.SchemeEd25519, keys.SchemeDilithium3)
	require.NoError(t, err)
	return NewMachine(reg, opts...)
}

func seed(b byte) []byte {
	out := make([]byte, keys.SeedSize)
	for i := range out {
		out[i] = b
	}
	return out
}

func signedTx(t *testing.T, s []byte, op protocol.Operation, payload any) protocol.Tx {
	t.Helper()
	call, err := protocol.NewCall(op, payload)
	require.NoError(t, err)
	id := uuid.NewString()
	tx := protocol.Tx{
		TxID:      id,
		Nonce:     id,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Op:        call.Op,
		Payload:   call.Payload,
	}
	require.NoError(t, tx.Sign(keys.Ed25519{}, s))
	return tx
}

func mustApply(t *testing.T, m *Machine, tx protocol.Tx, height uint64) Receipt {
	t.Helper()
	r, err := m.ApplyTx(tx, height)
	require.NoError(t, err, "apply %s", tx.Op)
	return r
}

func identityOf(t *testing.T, s []byte) keys.Identity {
	t.Helper()
	id, err := keys.IdentityFromSeed(keys.Ed25519{}, s)
	require.NoError(t, err)
	return id
}

func TestCreateBookingAtHeight(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)

	r := mustApply(t, m, signedTx(t, alice, protocol.OpCreateBooking, nil), 5)

	b, ok := m.Booking()
	require.True(t, ok)
	assert.Equal(t, BookingConfig{Start: 5, End: 15, Status: BookingStatusCreated}, b)

	require.Len(t, r.Events, 1)
	assert.Equal(t, EventCreateBooking, r.Events[0].Type)
	assert.Equal(t, identityOf(t, alice), r.Events[0].Actor)
	ev, err := DecodeEvent[CreateBookingEvent](r.Events[0])
	require.NoError(t, err)
	assert.Equal(t, CreateBookingEvent{Start: 5, End: 15, Status: BookingStatusCreated}, ev)
}

func TestCompleteBookingWithoutEvent(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpCreateBooking, nil), 5)

	r := mustApply(t, m, signedTx(t, alice, protocol.OpCompleteBooking, nil), 6)
	assert.Empty(t, r.Events)

	b, ok := m.Booking()
	require.True(t, ok)
	assert.Equal(t, BookingConfig{Start: 5, End: 15, Status: BookingStatusCompleted}, b)
	assert.Len(t, m.EventsSince(0, 100), 1)
}

func TestCompleteBookingFromActive(t *testing.T) {
	m := newTestMachine(t)
	snap := `{"height":3,"store":{"booking":{"start":1,"end":11,"status":"Active"},"events":[],"appliedTx":{}}}`
	require.NoError(t, m.Unmarshal([]byte(snap)))

	r := mustApply(t, m, signedTx(t, seed(1), protocol.OpCompleteBooking, nil), 4)
	assert.Empty(t, r.Events)

	b, ok := m.Booking()
	require.True(t, ok)
	assert.Equal(t, BookingConfig{Start: 1, End: 11, Status: BookingStatusCompleted}, b)
	assert.Empty(t, m.EventsSince(0, 100))
}

func TestCompleteBookingWithoutRecordIsNoop(t *testing.T) {
	m := newTestMachine(t)
	r := mustApply(t, m, signedTx(t, seed(1), protocol.OpCompleteBooking, nil), 3)
	assert.Empty(t, r.Events)
	_, ok := m.Booking()
	assert.False(t, ok)
	assert.Empty(t, m.EventsSince(0, 100))
}

func TestCreateBookingOverwritesAnyStatus(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpCreateBooking, nil), 5)
	mustApply(t, m, signedTx(t, alice, protocol.OpCompleteBooking, nil), 6)

	mustApply(t, m, signedTx(t, seed(2), protocol.OpCreateBooking, nil), 20)
	b, ok := m.Booking()
	require.True(t, ok)
	assert.Equal(t, BookingConfig{Start: 20, End: 30, Status: BookingStatusCreated}, b)
}

func TestCreateBookingSaturatesEnd(t *testing.T) {
	m := newTestMachine(t)
	mustApply(t, m, signedTx(t, seed(1), protocol.OpCreateBooking, nil), math.MaxUint64-3)
	b, ok := m.Booking()
	require.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), b.End)
}

func TestSetCounterEmitsEvent(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	r := mustApply(t, m, signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 42}), 1)

	v, ok := m.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(42), v)

	require.Len(t, r.Events, 1)
	ev, err := DecodeEvent[SomethingStoredEvent](r.Events[0])
	require.NoError(t, err)
	assert.Equal(t, SomethingStoredEvent{Value: 42, Who: identityOf(t, alice)}, ev)
}

func TestIncrementCounter(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 7}), 1)

	r := mustApply(t, m, signedTx(t, alice, protocol.OpIncrementCounter, nil), 2)
	assert.Empty(t, r.Events)
	v, ok := m.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(8), v)
	assert.Len(t, m.EventsSince(0, 100), 1)
}

func TestIncrementAbsentCounterFailsNoneValue(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.ApplyTx(signedTx(t, seed(1), protocol.OpIncrementCounter, nil), 1)
	assert.ErrorIs(t, err, ledgererr.ErrNoneValue)
	_, ok := m.Counter()
	assert.False(t, ok)
	assert.Equal(t, 0, m.StateStats().AppliedTx)
}

func TestIncrementAtMaxFailsStorageOverflow(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: math.MaxUint32}), 1)

	_, err := m.ApplyTx(signedTx(t, alice, protocol.OpIncrementCounter, nil), 2)
	assert.ErrorIs(t, err, ledgererr.ErrStorageOverflow)
	v, ok := m.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(math.MaxUint32), v)
	assert.Len(t, m.EventsSince(0, 100), 1)
}

func TestUnauthorizedOriginHasNoEffect(t *testing.T) {
	for _, op := range protocol.Operations() {
		t.Run(string(op), func(t *testing.T) {
			m := newTestMachine(t)
			var payload any
			if op == protocol.OpSetCounter {
				payload = protocol.SetCounterPayload{Value: 1}
			}

			unsigned := signedTx(t, seed(1), op, payload)
			unsigned.Signer = ""
			unsigned.Signature = ""
			_, err := m.ApplyTx(unsigned, 4)
			assert.ErrorIs(t, err, ledgererr.ErrUnauthorized)

			forged := signedTx(t, seed(1), op, payload)
			forged.Signer = identityOf(t, seed(2))
			_, err = m.ApplyTx(forged, 5)
			assert.ErrorIs(t, err, ledgererr.ErrUnauthorized)

			stats := m.StateStats()
			assert.False(t, stats.HasBooking)
			assert.False(t, stats.HasCounter)
			assert.Zero(t, stats.Events)
			assert.Zero(t, stats.AppliedTx)
		})
	}
}

func TestAcceptedSchemesGateAdmissionOnly(t *testing.T) {
	edOnly, err := keys.NewRegistry(keys.SchemeEd25519)
	require.NoError(t, err)
	follower := NewMachine(edOnly)
	leader := newTestMachine(t)

	call, err := protocol.NewCall(protocol.OpSetCounter, protocol.SetCounterPayload{Value: 3})
	require.NoError(t, err)
	tx := protocol.Tx{TxID: "tx-pq", Nonce: "n", Timestamp: time.Now(), Op: call.Op, Payload: call.Payload}
	require.NoError(t, tx.Sign(keys.Dilithium3{}, seed(3)))

	_, err = follower.Authorize(tx)
	assert.ErrorIs(t, err, ledgererr.ErrUnauthorized)
	_, err = leader.Authorize(tx)
	require.NoError(t, err)

	// A committed entry applies the same way on every replica.
	for _, m := range []*Machine{leader, follower} {
		mustApply(t, m, tx, 1)
		v, ok := m.Counter()
		require.True(t, ok)
		assert.Equal(t, uint32(3), v)
	}
	assert.Equal(t, leader.StateStats(), follower.StateStats())
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	m := newTestMachine(t)
	tx := signedTx(t, seed(1), protocol.OpSetCounter, nil)
	tx.Payload = json.RawMessage(`{"value":-1}`)
	require.NoError(t, tx.Sign(keys.Ed25519{}, seed(1)))

	_, err := m.ApplyTx(tx, 1)
	assert.ErrorIs(t, err, ledgererr.ErrInvalidTx)
	_, ok := m.Counter()
	assert.False(t, ok)
}

func TestKeyTypeGrantsNoAuthority(t *testing.T) {
	m := newTestMachine(t)
	tx := signedTx(t, seed(5), protocol.OpCreateBooking, nil)
	tx.KeyType = keys.OffchainKeyType.String()
	require.NoError(t, tx.Sign(keys.Ed25519{}, seed(5)))

	r := mustApply(t, m, tx, 1)
	assert.Equal(t, identityOf(t, seed(5)), r.Caller)

	tx.KeyType = ""
	_, err := m.ApplyTx(tx, 2)
	assert.ErrorIs(t, err, ledgererr.ErrUnauthorized, "key_type is covered by the signature")
}

func TestSetCounterRequiresValue(t *testing.T) {
	for _, raw := range []string{`null`, `{}`, `{"valeu":7}`} {
		t.Run(raw, func(t *testing.T) {
			m := newTestMachine(t)
			tx := signedTx(t, seed(1), protocol.OpSetCounter, nil)
			tx.Payload = json.RawMessage(raw)
			require.NoError(t, tx.Sign(keys.Ed25519{}, seed(1)))

			_, err := m.ApplyTx(tx, 1)
			assert.ErrorIs(t, err, ledgererr.ErrInvalidTx)
			_, ok := m.Counter()
			assert.False(t, ok)
			assert.Empty(t, m.EventsSince(0, 100))
			assert.Zero(t, m.StateStats().AppliedTx)
		})
	}
}

func TestTxIDIsScopedToSigner(t *testing.T) {
	m := newTestMachine(t)
	alice, bob := seed(1), seed(2)

	first := signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 1})
	first.TxID = "shared"
	require.NoError(t, first.Sign(keys.Ed25519{}, alice))
	mustApply(t, m, first, 1)

	second := signedTx(t, bob, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 42})
	second.TxID = "shared"
	require.NoError(t, second.Sign(keys.Ed25519{}, bob))
	r := mustApply(t, m, second, 2)

	assert.False(t, r.Replayed)
	assert.Equal(t, identityOf(t, bob), r.Caller)
	v, ok := m.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(42), v)
	assert.Len(t, m.EventsSince(0, 100), 2)
}

func TestReusedTxIDWithDifferentContentIsRejected(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)

	tx := signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 1})
	mustApply(t, m, tx, 1)

	changed := signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 42})
	changed.TxID = tx.TxID
	require.NoError(t, changed.Sign(keys.Ed25519{}, alice))

	r, err := m.ApplyTx(changed, 2)
	assert.ErrorIs(t, err, ledgererr.ErrInvalidTx)
	assert.False(t, r.Replayed)
	v, ok := m.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(1), v)
	assert.Len(t, m.EventsSince(0, 100), 1)
}

func TestReplayedTxIsNoop(t *testing.T) {
	pub := &recordingPublisher{}
	m := newTestMachine(t, WithPublisher(pub))
	tx := signedTx(t, seed(1), protocol.OpSetCounter, protocol.SetCounterPayload{Value: 9})
	mustApply(t, m, tx, 1)

	r := mustApply(t, m, tx, 2)
	assert.True(t, r.Replayed)
	assert.Equal(t, uint64(1), r.Height)
	assert.Len(t, m.EventsSince(0, 100), 1)
	assert.Len(t, pub.events, 1)
}

func TestPublisherSeesCommittedEventsInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	m := newTestMachine(t, WithPublisher(pub))
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpCreateBooking, nil), 1)
	mustApply(t, m, signedTx(t, alice, protocol.OpCompleteBooking, nil), 2)
	mustApply(t, m, signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 3}), 3)
	_, err := m.ApplyTx(signedTx(t, alice, protocol.OpIncrementCounter, nil), 4)
	require.NoError(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, uint64(1), pub.events[0].Seq)
	assert.Equal(t, EventCreateBooking, pub.events[0].Type)
	assert.Equal(t, uint64(2), pub.events[1].Seq)
	assert.Equal(t, EventSomethingStored, pub.events[1].Type)
	assert.Equal(t, uint64(3), pub.events[1].Height)
}

func TestEventsSincePaging(t *testing.T) {
	m := newTestMachine(t)
	for i := uint32(0); i < 5; i++ {
		mustApply(t, m, signedTx(t, seed(1), protocol.OpSetCounter, protocol.SetCounterPayload{Value: i}), uint64(i+1))
	}
	page := m.EventsSince(2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
	assert.Equal(t, uint64(4), page[1].Seq)
	assert.Empty(t, m.EventsSince(5, 10))
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	alice := seed(1)
	mustApply(t, m, signedTx(t, alice, protocol.OpCreateBooking, nil), 5)
	mustApply(t, m, signedTx(t, alice, protocol.OpSetCounter, protocol.SetCounterPayload{Value: 11}), 6)

	data, err := m.Marshal()
	require.NoError(t, err)

	restored := newTestMachine(t)
	require.NoError(t, restored.Unmarshal(data))
	b, ok := restored.Booking()
	require.True(t, ok)
	assert.Equal(t, uint64(15), b.End)
	v, ok := restored.Counter()
	require.True(t, ok)
	assert.Equal(t, uint32(11), v)
	assert.Equal(t, uint64(6), restored.Height())
	assert.Equal(t, m.StateStats(), restored.StateStats())

	assert.Error(t, restored.Unmarshal(nil))
}

func TestEveryOperationHasHandler(t *testing.T) {
	for _, op := range protocol.Operations() {
		_, ok := handlers[op]
		assert.True(t, ok, "missing handler for %s", op)
	}
	assert.Len(t, handlers, len(protocol.Operations()))
}

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

// Publisher receives events after the call that produced them commits.
type Publisher interface {
	Publish(events []Event)
}

// Receipt describes the outcome of an applied tx.
type Receipt struct {
	TxID     string        `json:"txId"`
	Op       string        `json:"op"`
	Caller   keys.Identity `json:"caller"`
	Height   uint64        `json:"height"`
	Events   []Event       `json:"events"`
	Replayed bool          `json:"replayed,omitempty"`
}

type snapshot struct {
	Height uint64 `json:"height"`
	Store  Store  `json:"store"`
}

// Machine is the deterministic ledger state machine. Calls are applied one
// at a time; each either commits fully or leaves the store untouched.
type Machine struct {
	mu        sync.RWMutex
	s         Store
	height    uint64
	verifier  *keys.Registry
	admission *keys.Registry
	publisher Publisher
}

type Option func(*Machine)

// WithPublisher forwards committed events to p.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// NewMachine builds a machine. Applied txs are verified against every known
// scheme; admission limits new submissions to the schemes this node accepts.
func NewMachine(admission *keys.Registry, opts ...Option) *Machine {
	m := &Machine{s: emptyStore(), verifier: keys.KnownRegistry(), admission: admission}
	if m.admission == nil {
		m.admission = m.verifier
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyTx authorizes tx and applies it at the given height.
func (m *Machine) ApplyTx(tx protocol.Tx, height uint64) (Receipt, error) {
	caller, err := Authorize(m.verifier, tx)
	if err != nil {
		m.observeHeight(height)
		return Receipt{}, err
	}
	if err := tx.ValidateBasic(); err != nil {
		m.observeHeight(height)
		return Receipt{}, ledgererr.Wrap(ledgererr.CodeInvalidTx, "invalid transaction", err)
	}
	h, ok := handlers[tx.Op]
	if !ok {
		m.observeHeight(height)
		return Receipt{}, ledgererr.ErrUnsupportedOp
	}
	digest, err := txDigest(tx)
	if err != nil {
		m.observeHeight(height)
		return Receipt{}, ledgererr.Wrap(ledgererr.CodeInvalidTx, "invalid transaction", err)
	}
	c := call{tx: tx, caller: caller, height: height}

	m.mu.Lock()
	if height > m.height {
		m.height = height
	}
	if prev, seen := m.s.AppliedTx[appliedKey(caller, tx.TxID)]; seen {
		m.mu.Unlock()
		if prev.Digest != digest {
			return Receipt{}, ledgererr.New(ledgererr.CodeInvalidTx, "tx_id already applied with different content")
		}
		return Receipt{TxID: tx.TxID, Op: string(tx.Op), Caller: caller, Height: prev.Height, Replayed: true}, nil
	}
	o := newOverlay(&m.s, c, digest)
	if err := h(o, c); err != nil {
		m.mu.Unlock()
		return Receipt{}, err
	}
	emitted := o.commit()
	out := make([]Event, 0, len(emitted))
	for _, e := range emitted {
		out = append(out, cloneEvent(e))
	}
	// Publish under the lock so subscribers see events in log order.
	if m.publisher != nil && len(out) > 0 {
		m.publisher.Publish(out)
	}
	m.mu.Unlock()
	return Receipt{TxID: tx.TxID, Op: string(tx.Op), Caller: caller, Height: height, Events: out}, nil
}

func txDigest(tx protocol.Tx) (string, error) {
	payload, err := tx.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Machine) observeHeight(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height > m.height {
		m.height = height
	}
}

// Height returns the highest height seen by the machine.
func (m *Machine) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

func (m *Machine) Booking() (BookingConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s.Booking == nil {
		return BookingConfig{}, false
	}
	return *m.s.Booking, true
}

func (m *Machine) Counter() (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s.Counter == nil {
		return 0, false
	}
	return *m.s.Counter, true
}

// EventsSince returns up to limit events with Seq greater than after, in
// log order.
func (m *Machine) EventsSince(after uint64, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := uint64(len(m.s.Events))
	if after >= total {
		return []Event{}
	}
	start, end := pageWindow(int(total), limit, int(after))
	out := make([]Event, 0, end-start)
	for _, e := range m.s.Events[start:end] {
		out = append(out, cloneEvent(e))
	}
	return out
}

// Marshal serializes the current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(snapshot{Height: m.height, Store: m.s})
}

// Unmarshal restores machine state from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	snap.Store.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = snap.Store
	m.height = snap.Height
	return nil
}

type Stats struct {
	Height     uint64 `json:"height"`
	HasBooking bool   `json:"hasBooking"`
	HasCounter bool   `json:"hasCounter"`
	Events     int    `json:"events"`
	AppliedTx  int    `json:"appliedTx"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Height:     m.height,
		HasBooking: m.s.Booking != nil,
		HasCounter: m.s.Counter != nil,
		Events:     len(m.s.Events),
		AppliedTx:  len(m.s.AppliedTx),
	}
}

func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

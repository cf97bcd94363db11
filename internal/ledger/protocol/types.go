package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
)

// Operation names one dispatchable ledger call.
type Operation string

const (
	OpCreateBooking    Operation = "create_booking"
	OpCompleteBooking  Operation = "complete_booking"
	OpSetCounter       Operation = "set_counter"
	OpIncrementCounter Operation = "increment_counter"
)

var validOps = map[Operation]struct{}{
	OpCreateBooking:    {},
	OpCompleteBooking:  {},
	OpSetCounter:       {},
	OpIncrementCounter: {},
}

// Operations returns the closed set of supported operations.
func Operations() []Operation {
	return []Operation{OpCreateBooking, OpCompleteBooking, OpSetCounter, OpIncrementCounter}
}

// Valid reports whether op is a supported operation.
func (op Operation) Valid() bool {
	_, ok := validOps[op]
	return ok
}

// Call is a decoded request to execute one operation.
type Call struct {
	Op      Operation       `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// NewCall builds a call, encoding payload as JSON. A nil payload becomes {}.
func NewCall(op Operation, payload any) (Call, error) {
	if !op.Valid() {
		return Call{}, fmt.Errorf("unsupported op: %s", op)
	}
	if payload == nil {
		return Call{Op: op, Payload: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Call{}, err
	}
	return Call{Op: op, Payload: raw}, nil
}

// Tx is the signed, replicated call envelope.
type Tx struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	// KeyType tags txs signed by an offchain key. It is covered by the
	// signature but self-asserted: the gate grants it no authority.
	KeyType   string          `json:"key_type,omitempty"`
	Signer    keys.Identity   `json:"signer"`
	Signature string          `json:"signature"` // base64 raw signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	KeyType   string          `json:"key_type,omitempty"`
	Signer    keys.Identity   `json:"signer"`
}

// Call returns the call embedded in t.
func (t Tx) Call() Call {
	return Call{Op: t.Op, Payload: t.Payload}
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Op:        t.Op,
		Payload:   t.Payload,
		KeyType:   strings.TrimSpace(t.KeyType),
		Signer:    keys.Identity(strings.TrimSpace(string(t.Signer))),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable tx fields. Origin fields are
// checked by the authorization gate.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if !t.Op.Valid() {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if kt := strings.TrimSpace(t.KeyType); kt != "" {
		if _, err := keys.ParseKeyType(kt); err != nil {
			return err
		}
	}
	return nil
}

// Sign sets the signer identity and signature for the given seed.
func (t *Tx) Sign(scheme keys.Scheme, seed []byte) error {
	id, err := keys.IdentityFromSeed(scheme, seed)
	if err != nil {
		return err
	}
	t.Signer = id
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := scheme.Sign(seed, payload)
	if err != nil {
		return err
	}
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifySignature checks the origin against the accepted schemes.
func (t Tx) VerifySignature(reg *keys.Registry) error {
	if strings.TrimSpace(string(t.Signer)) == "" {
		return errors.New("signer is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	return reg.Verify(t.Signer, payload, sigRaw)
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type SetCounterPayload struct {
	Value uint32 `json:"value"`
}

// UnmarshalJSON requires value and rejects unknown fields, so a null or
// misspelled payload never decodes to set_counter(0).
func (p *SetCounterPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value *uint32 `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw.Value == nil {
		return errors.New("value is required")
	}
	p.Value = *raw.Value
	return nil
}

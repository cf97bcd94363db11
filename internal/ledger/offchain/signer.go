package offchain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

// Signer originates new txs under the offchain key type. It never runs
// inside ordered dispatch.
type Signer struct {
	store     KeyStore
	keyType   keys.KeyType
	submitter Submitter
	tracer    trace.Tracer
	now       func() time.Time
}

func NewSigner(store KeyStore, submitter Submitter) *Signer {
	return &Signer{
		store:     store,
		keyType:   keys.OffchainKeyType,
		submitter: submitter,
		tracer:    otel.Tracer("booking-ledger/offchain"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sign builds and signs a tx embedding call without submitting it.
func (s *Signer) Sign(ctx context.Context, call protocol.Call) (protocol.Tx, error) {
	scheme, seed, err := s.store.Key(ctx, s.keyType)
	if err != nil {
		return protocol.Tx{}, err
	}
	tx := protocol.Tx{
		TxID:      uuid.NewString(),
		Nonce:     uuid.NewString(),
		Timestamp: s.now(),
		Op:        call.Op,
		Payload:   call.Payload,
		KeyType:   s.keyType.String(),
	}
	if len(tx.Payload) == 0 {
		tx.Payload = []byte(`{}`)
	}
	if err := tx.ValidateBasic(); err != nil {
		return protocol.Tx{}, err
	}
	if err := tx.Sign(scheme, seed); err != nil {
		return protocol.Tx{}, fmt.Errorf("sign tx: %w", err)
	}
	return tx, nil
}

// SignAndSubmit signs call with the offchain key and hands it to the
// submitter. An unsubmitted tx simply never takes effect.
func (s *Signer) SignAndSubmit(ctx context.Context, call protocol.Call) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "offchain.SignAndSubmit",
		trace.WithAttributes(attribute.String("ledger.op", string(call.Op))))
	defer span.End()

	tx, err := s.Sign(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign")
		return Submission{}, err
	}
	span.SetAttributes(attribute.String("ledger.tx_id", tx.TxID))
	sub, err := s.submitter.Submit(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		return sub, err
	}
	return sub, nil
}

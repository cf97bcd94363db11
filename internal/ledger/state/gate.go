package state

import (
	"strings"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

// Authorize recovers the caller identity from a signed tx. It never
// touches state.
func Authorize(reg *keys.Registry, tx protocol.Tx) (keys.Identity, error) {
	if strings.TrimSpace(string(tx.Signer)) == "" {
		return "", ledgererr.New(ledgererr.CodeUnauthorized, "anonymous origin")
	}
	if err := tx.VerifySignature(reg); err != nil {
		return "", ledgererr.Wrap(ledgererr.CodeUnauthorized, "invalid origin", err)
	}
	return tx.Signer, nil
}

// Authorize runs the gate with the schemes this node admits. It is an
// admission check for new submissions; replicated entries are verified in
// ApplyTx against every known scheme.
func (m *Machine) Authorize(tx protocol.Tx) (keys.Identity, error) {
	return Authorize(m.admission, tx)
}

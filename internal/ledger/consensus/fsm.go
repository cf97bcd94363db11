package consensus

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

type applyResult struct {
	receipt state.Receipt
	err     error
}

// fsm wires raft log entries into the state machine.
type fsm struct {
	machine *state.Machine
	logger  zerolog.Logger
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var tx protocol.Tx
	if err := json.Unmarshal(log.Data, &tx); err != nil {
		return applyResult{err: ledgererr.Wrap(ledgererr.CodeInvalidTx, "decode tx", err)}
	}
	receipt, err := f.machine.ApplyTx(tx, log.Index)
	if err != nil {
		f.logger.Debug().Err(err).Str("tx_id", tx.TxID).Str("op", string(tx.Op)).Uint64("height", log.Index).Msg("tx rejected")
		return applyResult{err: err}
	}
	f.logger.Debug().Str("tx_id", tx.TxID).Str("op", string(tx.Op)).Uint64("height", log.Index).Int("events", len(receipt.Events)).Msg("tx applied")
	return applyResult{receipt: receipt}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := f.machine.Unmarshal(data); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

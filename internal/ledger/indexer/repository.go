package indexer

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// Repository persists the ledger event log outside the node. Append must
// be idempotent on Seq so a replayed batch is harmless.
type Repository interface {
	Append(ctx context.Context, events []state.Event) error
	LastSeq(ctx context.Context) (uint64, error)
	List(ctx context.Context, after uint64, limit int) ([]state.Event, error)
}

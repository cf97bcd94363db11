package indexer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/booking-ledger/internal/ledger/eventlog"
	"github.com/execution-hub/booking-ledger/internal/ledger/indexer"
	"github.com/execution-hub/booking-ledger/internal/ledger/indexer/mocks"
	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

func newMachine(t *testing.T, opts ...state.Option) *state.Machine {
	t.Helper()
	reg, err := keys.NewRegistry(keys.SchemeEd25519)
	require.NoError(t, err)
	return state.NewMachine(reg, opts...)
}

func setCounter(t *testing.T, m *state.Machine, v uint32, height uint64) {
	t.Helper()
	call, err := protocol.NewCall(protocol.OpSetCounter, protocol.SetCounterPayload{Value: v})
	require.NoError(t, err)
	tx := protocol.Tx{
		TxID:      uuid.NewString(),
		Nonce:     uuid.NewString(),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Op:        call.Op,
		Payload:   call.Payload,
	}
	seed := make([]byte, keys.SeedSize)
	require.NoError(t, tx.Sign(keys.Ed25519{}, seed))
	_, err = m.ApplyTx(tx, height)
	require.NoError(t, err)
}

func seqs(events []state.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Seq)
	}
	return out
}

func TestSyncCopiesFromLastSeq(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	m := newMachine(t)
	for i := uint32(1); i <= 4; i++ {
		setCounter(t, m, i, uint64(i))
	}

	var appended []state.Event
	repo.EXPECT().LastSeq(gomock.Any()).Return(uint64(1), nil)
	repo.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, events []state.Event) error {
			appended = append(appended, events...)
			return nil
		})

	ix, err := indexer.New(repo, m, eventlog.NewHub(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ix.Sync(context.Background()))

	assert.Equal(t, []uint64{2, 3, 4}, seqs(appended))
	assert.Equal(t, uint64(4), ix.LastSeq())
}

func TestSyncReturnsRepositoryErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	m := newMachine(t)
	setCounter(t, m, 1, 1)

	boom := errors.New("disk full")
	repo.EXPECT().LastSeq(gomock.Any()).Return(uint64(0), nil)
	repo.EXPECT().Append(gomock.Any(), gomock.Any()).Return(boom)

	ix, err := indexer.New(repo, m, eventlog.NewHub(), zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, ix.Sync(context.Background()), boom)
	assert.Equal(t, uint64(0), ix.LastSeq())
}

type memRepo struct {
	mu       sync.Mutex
	events   map[uint64]state.Event
	failures int
}

func newMemRepo() *memRepo {
	return &memRepo{events: map[uint64]state.Event{}}
}

func (r *memRepo) Append(_ context.Context, events []state.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("unavailable")
	}
	for _, e := range events {
		r.events[e.Seq] = e
	}
	return nil
}

func (r *memRepo) LastSeq(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last uint64
	for seq := range r.events {
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

func (r *memRepo) List(_ context.Context, after uint64, limit int) ([]state.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []state.Event{}
	for seq := after + 1; len(out) < limit; seq++ {
		e, ok := r.events[seq]
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func runIndexer(t *testing.T, repo indexer.Repository, m *state.Machine, hub *eventlog.Hub) {
	t.Helper()
	ix, err := indexer.New(repo, m, hub, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestRunFollowsHub(t *testing.T) {
	hub := eventlog.NewHub()
	m := newMachine(t, state.WithPublisher(hub))
	setCounter(t, m, 1, 1)

	repo := newMemRepo()
	runIndexer(t, repo, m, hub)
	for i := uint32(2); i <= 5; i++ {
		setCounter(t, m, i, uint64(i))
	}

	require.Eventually(t, func() bool { return repo.count() == 5 }, 3*time.Second, 10*time.Millisecond)
	events, err := repo.List(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(events))
}

func TestRunRecoversAfterAppendFailure(t *testing.T) {
	hub := eventlog.NewHub()
	m := newMachine(t, state.WithPublisher(hub))
	repo := newMemRepo()
	repo.failures = 1

	setCounter(t, m, 1, 1)
	runIndexer(t, repo, m, hub)
	setCounter(t, m, 2, 2)

	require.Eventually(t, func() bool { return repo.count() == 2 }, 5*time.Second, 20*time.Millisecond)
}

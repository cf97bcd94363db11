package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping postgres tests")
	return ""
}

func TestEventRepositoryAppendAndList(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenEventRepository(ctx, testDatabaseURL(t))
	require.NoError(t, err)
	defer repo.Close()
	_, err = repo.pool.Exec(ctx, `TRUNCATE TABLE ledger_events`)
	require.NoError(t, err)

	events := []state.Event{
		{Seq: 1, Height: 4, TxID: "a", Type: state.EventCreateBooking, Actor: "ed25519:AAAA", Payload: json.RawMessage(`{"start":4,"end":14,"status":"Created"}`)},
		{Seq: 2, Height: 5, TxID: "b", Type: state.EventSomethingStored, Actor: "ed25519:AAAA", Payload: json.RawMessage(`{"value":7,"who":"ed25519:AAAA"}`)},
	}
	require.NoError(t, repo.Append(ctx, events))
	require.NoError(t, repo.Append(ctx, events[1:]))

	last, err := repo.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	got, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].TxID)
	assert.JSONEq(t, string(events[1].Payload), string(got[1].Payload))
}

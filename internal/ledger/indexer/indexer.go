package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/booking-ledger/internal/ledger/eventlog"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

const batchSize = 500

// EventLog is the node-side event log read on catch-up.
type EventLog interface {
	EventsSince(after uint64, limit int) []state.Event
}

// EventSource delivers committed events as they happen.
type EventSource interface {
	Subscribe(buffer int) *eventlog.Subscription
	Unsubscribe(id string)
}

// Indexer copies the event log into a Repository. It catches up from the
// repository's last seq and then follows the hub, re-reading the log
// whenever the hub skipped events.
type Indexer struct {
	repo       Repository
	log        EventLog
	events     EventSource
	retryDelay time.Duration
	logger     zerolog.Logger

	lastSeq uint64
}

func New(repo Repository, log EventLog, events EventSource, logger zerolog.Logger) (*Indexer, error) {
	if repo == nil || log == nil || events == nil {
		return nil, errors.New("repository, log and events are required")
	}
	return &Indexer{
		repo:       repo,
		log:        log,
		events:     events,
		retryDelay: time.Second,
		logger:     logger.With().Str("component", "indexer").Logger(),
	}, nil
}

// LastSeq returns the last seq known to be persisted.
func (ix *Indexer) LastSeq() uint64 { return ix.lastSeq }

// Sync loads the persisted position and copies every later event.
func (ix *Indexer) Sync(ctx context.Context) error {
	last, err := ix.repo.LastSeq(ctx)
	if err != nil {
		return err
	}
	ix.lastSeq = last
	for {
		batch := ix.log.EventsSince(ix.lastSeq, batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := ix.repo.Append(ctx, batch); err != nil {
			return err
		}
		ix.lastSeq = batch[len(batch)-1].Seq
	}
}

// Run syncs and then follows the hub until ctx is done. Repository errors
// are logged and the indexer re-syncs after a delay.
func (ix *Indexer) Run(ctx context.Context) error {
	sub := ix.events.Subscribe(1024)
	defer ix.events.Unsubscribe(sub.ID)

	healthy := ix.syncOrWarn(ctx)
	for {
		if !healthy {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ix.retryDelay):
			}
			healthy = ix.syncOrWarn(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			healthy = ix.apply(ctx, e)
		}
	}
}

func (ix *Indexer) apply(ctx context.Context, e state.Event) bool {
	if e.Seq <= ix.lastSeq {
		return true
	}
	if e.Seq > ix.lastSeq+1 {
		ix.logger.Debug().Uint64("last_seq", ix.lastSeq).Uint64("seq", e.Seq).Msg("event gap, re-reading log")
		return ix.syncOrWarn(ctx)
	}
	if err := ix.repo.Append(ctx, []state.Event{e}); err != nil {
		ix.logger.Warn().Err(err).Uint64("seq", e.Seq).Msg("index append failed")
		return false
	}
	ix.lastSeq = e.Seq
	return true
}

func (ix *Indexer) syncOrWarn(ctx context.Context) bool {
	if err := ix.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		ix.logger.Warn().Err(err).Uint64("last_seq", ix.lastSeq).Msg("index sync failed")
		return false
	}
	return true
}

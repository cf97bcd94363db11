package offchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/execution-hub/booking-ledger/internal/ledger/eventlog"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// DefaultCompleteWhen completes a booking once its end height is reached.
const DefaultCompleteWhen = "height >= end"

// EventSource delivers committed events.
type EventSource interface {
	Subscribe(buffer int) *eventlog.Subscription
	Unsubscribe(id string)
}

// LedgerView is the read-only slice of the node the worker may observe.
// It exposes the applied height and the event log, never the store.
type LedgerView interface {
	Height() uint64
	EventsSince(after uint64, limit int) []state.Event
}

type WorkerConfig struct {
	Interval     time.Duration
	CompleteWhen string
}

type trackedBooking struct {
	seq       uint64
	start     uint64
	end       uint64
	status    state.BookingStatus
	submitted bool
}

// Worker watches CreateBooking events and submits complete_booking once
// the configured condition holds. Submission is best effort: failures are
// logged and the booking is not retried.
type Worker struct {
	events   EventSource
	view     LedgerView
	signer   *Signer
	expr     *govaluate.EvaluableExpression
	interval time.Duration
	logger   zerolog.Logger

	lastSeq uint64
	booking *trackedBooking
}

func NewWorker(cfg WorkerConfig, events EventSource, view LedgerView, signer *Signer, logger zerolog.Logger) (*Worker, error) {
	if events == nil || view == nil || signer == nil {
		return nil, errors.New("events, view and signer are required")
	}
	raw := strings.TrimSpace(cfg.CompleteWhen)
	if raw == "" {
		raw = DefaultCompleteWhen
	}
	expr, err := govaluate.NewEvaluableExpression(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid completion condition: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Worker{
		events:   events,
		view:     view,
		signer:   signer,
		expr:     expr,
		interval: cfg.Interval,
		logger:   logger.With().Str("component", "offchain_worker").Logger(),
	}, nil
}

// Run follows the event hub until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.events.Subscribe(256)
	defer w.events.Unsubscribe(sub.ID)
	w.Sync()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info().Dur("interval", w.interval).Str("condition", w.expr.String()).Msg("offchain worker started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			w.observe(e)
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("offchain submission dropped")
			}
		}
	}
}

// Sync reads every event after the last one seen from the log.
func (w *Worker) Sync() {
	for {
		batch := w.view.EventsSince(w.lastSeq, 500)
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			w.handle(e)
		}
	}
}

func (w *Worker) observe(e state.Event) {
	if e.Seq <= w.lastSeq {
		return
	}
	if e.Seq > w.lastSeq+1 {
		// Missed events on the hub; the log is authoritative.
		w.Sync()
		return
	}
	w.handle(e)
}

func (w *Worker) handle(e state.Event) {
	w.lastSeq = e.Seq
	if e.Type != state.EventCreateBooking {
		return
	}
	payload, err := state.DecodeEvent[state.CreateBookingEvent](e)
	if err != nil {
		w.logger.Warn().Err(err).Uint64("seq", e.Seq).Msg("undecodable booking event")
		return
	}
	w.booking = &trackedBooking{seq: e.Seq, start: payload.Start, end: payload.End, status: payload.Status}
}

// Tick evaluates the condition for the tracked booking and submits
// complete_booking when it holds. It reports whether a submission was made.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	b := w.booking
	if b == nil || b.submitted {
		return false, nil
	}
	height := w.view.Height()
	ok, err := w.ready(b, height)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	b.submitted = true

	call, err := protocol.NewCall(protocol.OpCompleteBooking, nil)
	if err != nil {
		return false, err
	}
	sub, err := w.signer.SignAndSubmit(ctx, call)
	if err != nil {
		return true, fmt.Errorf("complete booking from seq %d: %w", b.seq, err)
	}
	w.logger.Info().Str("tx_id", sub.TxID).Uint64("booking_seq", b.seq).Uint64("height", height).Msg("complete_booking submitted")
	return true, nil
}

func (w *Worker) ready(b *trackedBooking, height uint64) (bool, error) {
	out, err := w.expr.Evaluate(map[string]interface{}{
		"height": float64(height),
		"start":  float64(b.start),
		"end":    float64(b.end),
		"status": string(b.status),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate completion condition: %w", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("completion condition returned %T, want bool", out)
	}
	return ok, nil
}

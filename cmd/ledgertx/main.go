package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/offchain"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
)

type options struct {
	op        string
	value     uint
	scheme    string
	seed      string
	txID      string
	nonce     string
	timestamp string
	submit    string
	timeout   time.Duration
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "", "operation: create-booking|complete-booking|set-counter|increment-counter")
	flag.UintVar(&opt.value, "value", 0, "counter value for set-counter")
	flag.StringVar(&opt.scheme, "scheme", keys.SchemeEd25519, "signature scheme: ed25519|dilithium3")
	flag.StringVar(&opt.seed, "seed", "", "hex 32-byte signing seed; default random")
	flag.StringVar(&opt.txID, "tx-id", "", "tx identifier; auto-generated when empty")
	flag.StringVar(&opt.nonce, "nonce", "", "nonce; auto-generated when empty")
	flag.StringVar(&opt.timestamp, "timestamp", "", "RFC3339 timestamp; default now UTC")
	flag.StringVar(&opt.submit, "submit", "", "node base URL; when set the tx is posted instead of printed")
	flag.DurationVar(&opt.timeout, "timeout", 10*time.Second, "submit timeout")
	flag.Parse()

	op, err := parseOperation(opt.op)
	if err != nil {
		log.Fatal(err)
	}
	call, err := buildCall(op, opt)
	if err != nil {
		log.Fatal(err)
	}
	scheme, err := keys.SchemeByName(opt.scheme)
	if err != nil {
		log.Fatal(err)
	}
	seed, err := loadSeed(opt.seed)
	if err != nil {
		log.Fatal(err)
	}
	ts, err := parseTimestamp(opt.timestamp)
	if err != nil {
		log.Fatal(err)
	}

	tx := protocol.Tx{
		TxID:      orDefault(opt.txID, uuid.NewString()),
		Nonce:     orDefault(opt.nonce, uuid.NewString()),
		Timestamp: ts,
		Op:        call.Op,
		Payload:   call.Payload,
	}
	if err := tx.Sign(scheme, seed); err != nil {
		log.Fatal(err)
	}

	var out any = tx
	if endpoint := strings.TrimSpace(opt.submit); endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
		defer cancel()
		sub, err := offchain.NewHTTPSubmitter(endpoint, opt.timeout).Submit(ctx, tx)
		if err != nil {
			log.Fatal(err)
		}
		out = sub
	}
	raw, err := json.Marshal(out)
	if err != nil {
		log.Fatal(err)
	}
	_, _ = os.Stdout.Write(append(raw, '\n'))
}

func parseOperation(raw string) (protocol.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create-booking", "create_booking":
		return protocol.OpCreateBooking, nil
	case "complete-booking", "complete_booking":
		return protocol.OpCompleteBooking, nil
	case "set-counter", "set_counter":
		return protocol.OpSetCounter, nil
	case "increment-counter", "increment_counter":
		return protocol.OpIncrementCounter, nil
	default:
		return "", fmt.Errorf("unsupported op: %q", raw)
	}
}

func buildCall(op protocol.Operation, opt options) (protocol.Call, error) {
	if op == protocol.OpSetCounter {
		if opt.value > uint(^uint32(0)) {
			return protocol.Call{}, errors.New("value must fit in 32 bits")
		}
		return protocol.NewCall(op, protocol.SetCounterPayload{Value: uint32(opt.value)})
	}
	return protocol.NewCall(op, nil)
}

func loadSeed(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		seed := make([]byte, keys.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		return seed, nil
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	if len(seed) != keys.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", keys.SeedSize)
	}
	return seed, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts.UTC(), nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

package offchain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
)

// ErrKeyNotFound is returned when no key is provisioned for a key type.
var ErrKeyNotFound = errors.New("offchain key not found")

// KeyStore holds node-local keys by key type. Keys never enter ledger state.
type KeyStore interface {
	Key(ctx context.Context, keyType keys.KeyType) (keys.Scheme, []byte, error)
}

// StaticKeyStore is an in-memory keystore bound to one scheme.
type StaticKeyStore struct {
	mu     sync.RWMutex
	scheme keys.Scheme
	seeds  map[keys.KeyType][]byte
}

// NewStaticKeyStore derives one seed per key type from rootSeed.
func NewStaticKeyStore(scheme keys.Scheme, rootSeed []byte, keyTypes ...keys.KeyType) (*StaticKeyStore, error) {
	if scheme == nil {
		return nil, errors.New("scheme is required")
	}
	if len(keyTypes) == 0 {
		keyTypes = []keys.KeyType{keys.OffchainKeyType}
	}
	ks := &StaticKeyStore{scheme: scheme, seeds: make(map[keys.KeyType][]byte, len(keyTypes))}
	for _, kt := range keyTypes {
		seed, err := keys.DeriveKeyTypeSeed(rootSeed, kt)
		if err != nil {
			return nil, fmt.Errorf("derive %s seed: %w", kt, err)
		}
		ks.seeds[kt] = seed
	}
	return ks, nil
}

// NewFromHex builds a keystore from a scheme name and hex root seed, the
// form used by LEDGER_OFFCHAIN_SCHEME and LEDGER_OFFCHAIN_ROOT_SEED.
func NewFromHex(schemeName, rootSeedHex string) (*StaticKeyStore, error) {
	scheme, err := keys.SchemeByName(strings.TrimSpace(schemeName))
	if err != nil {
		return nil, err
	}
	root, err := hex.DecodeString(strings.TrimSpace(rootSeedHex))
	if err != nil {
		return nil, fmt.Errorf("invalid root seed: %w", err)
	}
	return NewStaticKeyStore(scheme, root)
}

func (s *StaticKeyStore) Key(ctx context.Context, keyType keys.KeyType) (keys.Scheme, []byte, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed, ok := s.seeds[keyType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyType)
	}
	return s.scheme, append([]byte(nil), seed...), nil
}

// Identity returns the public identity for keyType.
func (s *StaticKeyStore) Identity(keyType keys.KeyType) (keys.Identity, error) {
	scheme, seed, err := s.Key(context.Background(), keyType)
	if err != nil {
		return "", err
	}
	return keys.IdentityFromSeed(scheme, seed)
}

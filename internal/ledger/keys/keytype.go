package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// KeyType is a 4-byte namespace tag for a class of node-local keys.
type KeyType [4]byte

// OffchainKeyType tags keys used by the offchain worker. User keys carry
// no tag.
var OffchainKeyType = KeyType{'b', 'k', 'n', 'g'}

func (k KeyType) String() string { return string(k[:]) }

// ParseKeyType parses a 4-character tag.
func ParseKeyType(raw string) (KeyType, error) {
	var k KeyType
	if len(raw) != len(k) {
		return k, fmt.Errorf("key type must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// DeriveKeyTypeSeed derives the seed for keyType from a node root seed.
// Distinct tags always yield unrelated seeds.
func DeriveKeyTypeSeed(rootSeed []byte, keyType KeyType) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("booking-ledger-offchain-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("keytype:"))
	_, _ = h.Write(keyType[:])
	sum := h.Sum(nil)
	if len(sum) < SeedSize {
		return nil, errors.New("kdf output too short")
	}
	out := make([]byte, SeedSize)
	copy(out, sum[:SeedSize])
	return out, nil
}

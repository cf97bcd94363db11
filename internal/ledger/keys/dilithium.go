package keys

import (
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const SchemeDilithium3 = "dilithium3"

// Dilithium3 signs sha3-256(message) with a post-quantum dilithium3 key.
type Dilithium3 struct{}

func (Dilithium3) Name() string { return SchemeDilithium3 }

func (Dilithium3) DerivePublicKey(seed []byte) ([]byte, error) {
	pk, _, err := dilithiumKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return pk.Bytes(), nil
}

func (Dilithium3) Sign(seed, message []byte) ([]byte, error) {
	_, sk, err := dilithiumKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	digest := sha3.Sum256(message)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(sk, digest[:], sig)
	return sig, nil
}

func (Dilithium3) Verify(publicKey, message, signature []byte) bool {
	if len(signature) != mode3.SignatureSize {
		return false
	}
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false
	}
	digest := sha3.Sum256(message)
	return mode3.Verify(&pk, digest[:], signature)
}

func dilithiumKeyFromSeed(seed []byte) (*mode3.PublicKey, *mode3.PrivateKey, error) {
	if len(seed) != mode3.SeedSize {
		return nil, nil, fmt.Errorf("dilithium3 seed must be %d bytes, got %d", mode3.SeedSize, len(seed))
	}
	var s [mode3.SeedSize]byte
	copy(s[:], seed)
	pk, sk := mode3.NewKeyFromSeed(&s)
	return pk, sk, nil
}

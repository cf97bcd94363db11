package keys

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SeedSize is the private seed length shared by all supported schemes.
const SeedSize = 32

// Scheme is one concrete signature scheme.
type Scheme interface {
	Name() string
	DerivePublicKey(seed []byte) ([]byte, error)
	Sign(seed, message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) bool
}

var known = map[string]Scheme{
	SchemeEd25519:    Ed25519{},
	SchemeDilithium3: Dilithium3{},
}

// SchemeByName returns a supported scheme.
func SchemeByName(name string) (Scheme, error) {
	s, ok := known[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unsupported signature scheme: %q", name)
	}
	return s, nil
}

// Identity is an account identifier recovered from a verified signature.
type Identity string

// NewIdentity formats a public key as an identity.
func NewIdentity(scheme string, publicKey []byte) Identity {
	return Identity(scheme + ":" + base64.StdEncoding.EncodeToString(publicKey))
}

// IdentityFromSeed derives the identity for seed under scheme.
func IdentityFromSeed(s Scheme, seed []byte) (Identity, error) {
	pub, err := s.DerivePublicKey(seed)
	if err != nil {
		return "", err
	}
	return NewIdentity(s.Name(), pub), nil
}

// Parse splits the identity into its scheme name and raw public key.
func (id Identity) Parse() (string, []byte, error) {
	scheme, enc, ok := strings.Cut(strings.TrimSpace(string(id)), ":")
	if !ok || scheme == "" || enc == "" {
		return "", nil, errors.New("invalid identity encoding")
	}
	pub, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid identity base64: %w", err)
	}
	return scheme, pub, nil
}

func (id Identity) String() string { return string(id) }

// Registry is the set of schemes a node accepts signatures from.
type Registry struct {
	schemes map[string]Scheme
}

// NewRegistry builds a registry of the named schemes.
func NewRegistry(names ...string) (*Registry, error) {
	r := &Registry{schemes: map[string]Scheme{}}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		s, err := SchemeByName(name)
		if err != nil {
			return nil, err
		}
		r.schemes[s.Name()] = s
	}
	if len(r.schemes) == 0 {
		return nil, errors.New("at least one signature scheme is required")
	}
	return r, nil
}

// KnownRegistry accepts every scheme this build supports. Replicated state
// transitions verify against it so the result never depends on node config.
func KnownRegistry() *Registry {
	r := &Registry{schemes: make(map[string]Scheme, len(known))}
	for name, s := range known {
		r.schemes[name] = s
	}
	return r
}

// Accepts reports whether the scheme named in id is in the registry.
func (r *Registry) Accepts(id Identity) bool {
	scheme, _, ok := strings.Cut(strings.TrimSpace(string(id)), ":")
	if !ok {
		return false
	}
	_, ok = r.schemes[scheme]
	return ok
}

// Names lists accepted scheme names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Verify checks signature over message for id.
func (r *Registry) Verify(id Identity, message, signature []byte) error {
	scheme, pub, err := id.Parse()
	if err != nil {
		return err
	}
	s, ok := r.schemes[scheme]
	if !ok {
		return fmt.Errorf("signature scheme not accepted: %s", scheme)
	}
	if !s.Verify(pub, message, signature) {
		return errors.New("signature verification failed")
	}
	return nil
}

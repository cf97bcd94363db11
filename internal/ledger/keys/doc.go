// Package keys provides the signature schemes and identities used to
// authorize ledger transactions.
//
// An Identity is the CATF-style string "<scheme>:<base64 public key>". User
// keys and offchain worker keys share the same schemes; offchain keys are
// additionally derived under a fixed KeyType tag so they never collide with
// a user's root key.
package keys

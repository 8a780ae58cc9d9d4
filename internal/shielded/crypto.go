// crypto.go - Digest type and MiMC-based primitives for the shielded ledger.
//
// Implements the MiMC hash/PRF/commitment constructions and secure randomness.
// Every Digest is the canonical big-endian encoding of a BW6-761 scalar field
// element, so digests can always be fed back into MiMC without reduction.

package shielded

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	bw6761_fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// DigestSize is the byte length of a Digest (one BW6-761 scalar field element).
const DigestSize = 48

// Digest is a commitment, nullifier, seed, or root value.
type Digest [DigestSize]byte

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler (hex, used by JSON).
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding digest: %w", err)
	}
	if len(b) != DigestSize {
		return fmt.Errorf("decoding digest: got %d bytes, want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return nil
}

// ParseDigest parses a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// DigestFromBytes copies b into a Digest. b must be exactly DigestSize bytes.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Hash computes the MiMC hash of the given fields, one absorb per field.
// Fields longer than 32 bytes must already be canonical field encodings.
func Hash(fields ...[]byte) Digest {
	h := mimcNative.NewMiMC()
	for _, f := range fields {
		h.Write(f)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// prf implements the nullifier PRF: MiMC(sk, rho).
// Inputs are canonicalized so native and in-circuit evaluations agree.
func prf(sk, rho []byte) Digest {
	skc := canonical(sk)
	rhoc := canonical(rho)
	return Hash(skc[:], rhoc[:])
}

// Nullifier derives the spend marker for a shielded output held under sk.
func Nullifier(sk, rho []byte) Digest {
	return prf(sk, rho)
}

// OwnerKey derives the public owner key from a spending secret: pk = MiMC(sk).
func OwnerKey(sk []byte) Digest {
	skc := canonical(sk)
	return Hash(skc[:])
}

// Commitment commits to a shielded output: cm = MiMC(amount, owner, rho, rand).
// All inputs are canonicalized to field elements first so the value matches
// the in-circuit MiMC evaluation bit for bit.
func Commitment(amount *big.Int, owner Digest, rho, rnd []byte) Digest {
	a := canonicalBig(amount)
	r := canonical(rho)
	s := canonical(rnd)
	return Hash(a[:], owner[:], r[:], s[:])
}

// StateRoot combines the accumulator root and the nullifier set digest into
// the single shielded-state summary recomputed on every admitted request.
func StateRoot(accumulatorRoot, nullifierSetDigest Digest) Digest {
	return Hash(accumulatorRoot[:], nullifierSetDigest[:])
}

// RandomBytes generates n random bytes using crypto/rand.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// RandomDigest draws a uniformly random field element.
func RandomDigest() Digest {
	var e bw6761_fr.Element
	e.SetRandom()
	b := e.Bytes()
	return Digest(b)
}

// canonical reduces arbitrary bytes to a canonical field encoding.
func canonical(b []byte) [DigestSize]byte {
	var e bw6761_fr.Element
	e.SetBytes(b)
	return e.Bytes()
}

// canonicalBig reduces a big.Int to a canonical field encoding.
func canonicalBig(v *big.Int) [DigestSize]byte {
	var e bw6761_fr.Element
	if v != nil {
		e.SetBigInt(v)
	}
	return e.Bytes()
}

// uint64Field encodes v as a canonical field element.
func uint64Field(v uint64) [DigestSize]byte {
	var e bw6761_fr.Element
	e.SetUint64(v)
	return e.Bytes()
}

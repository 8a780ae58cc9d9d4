// note.go - Shielded output notes.
//
// An OutputNote is the opening of one accumulator commitment: amount, owner
// key, and the two randomizers. Openings live in wallets; the ledger only
// ever sees the commitment.

package shielded

import "math/big"

// OutputNote is a shielded output and its opening.
type OutputNote struct {
	Amount     *big.Int // Value carried by the output
	Owner      Digest   // Owner key, MiMC(sk) of the recipient's secret
	Rho        []byte   // Nullifier randomizer, unique per note
	Rand       []byte   // Commitment randomizer
	Commitment Digest   // MiMC(amount, owner, rho, rand)
}

// NewOutputNote creates a note to the given owner with fresh randomness.
func NewOutputNote(amount *big.Int, owner Digest) *OutputNote {
	rho := RandomBytes(32)
	rnd := RandomBytes(32)
	return &OutputNote{
		Amount:     amount,
		Owner:      owner,
		Rho:        rho,
		Rand:       rnd,
		Commitment: Commitment(amount, owner, rho, rnd),
	}
}

// padNote is the canonical zero-value note used to fill unused output slots
// of the fixed-arity transfer circuit. Its commitment never enters the
// accumulator.
func padNote() *OutputNote {
	zero := make([]byte, 32)
	return &OutputNote{
		Amount:     new(big.Int),
		Owner:      Digest{},
		Rho:        zero,
		Rand:       zero,
		Commitment: Commitment(new(big.Int), Digest{}, zero, zero),
	}
}

// PadCommitment returns the commitment of the zero-value padding note.
func PadCommitment() Digest {
	return padNote().Commitment
}

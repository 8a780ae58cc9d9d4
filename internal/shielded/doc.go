// Package shielded implements the core ledger state of a privacy-preserving
// token engine: commitment accumulator, nullifier registry, transparent
// balances, and the zero-knowledge transfer statement.
//
// Overview:
//   - Shielded outputs are MiMC commitments collected in an append-only
//     Merkle accumulator; spends are marked by one-time nullifiers
//   - The NullifierRegistry provides atomic check-and-reserve double-spend
//     protection and a homomorphic multiset digest of the spent set
//   - Transfer statements are proven and verified with gnark (Groth16,
//     BW6-761); the admission layer consumes verification through the
//     ProofVerifier interface only
//   - Balances tracks transparent (unshielded) account funds with
//     overflow-checked 256-bit arithmetic
//
// Security Model:
//   - MiMC over the BW6-761 scalar field is the universal hash, PRF, and
//     commitment function; Digest values are canonical field elements
//   - Nullifiers are PRF(sk, rho): without sk they reveal nothing about
//     which commitment is being spent
//   - All randomness comes from crypto/rand
//
// References:
//   - Zerocash: Decentralized Anonymous Payments from Bitcoin (Ben-Sasson
//     et al., 2014)
package shielded

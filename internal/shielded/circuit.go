package shielded

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// MaxOutputs is the fixed output arity of the transfer circuit. Requests
// with fewer outputs are padded with the canonical zero-value note.
const MaxOutputs = 2

// TransferCircuit proves one shielded spend: the nullifier is correctly
// derived from the spender's secret, every output commitment opens to a
// well-formed note, value is conserved, and the statement is bound to a
// key epoch and an admitted entropy reference.
type TransferCircuit struct {
	// Public inputs
	Nullifier   frontend.Variable             `gnark:",public"`
	Commitments [MaxOutputs]frontend.Variable `gnark:",public"`
	EpochID     frontend.Variable             `gnark:",public"`
	EntropyRef  frontend.Variable             `gnark:",public"`
	Binding     frontend.Variable             `gnark:",public"`

	// Private inputs
	Sk         frontend.Variable
	Rho        frontend.Variable
	InAmount   frontend.Variable
	OutOwners  [MaxOutputs]frontend.Variable
	OutRhos    [MaxOutputs]frontend.Variable
	OutRands   [MaxOutputs]frontend.Variable
	OutAmounts [MaxOutputs]frontend.Variable
}

func (c *TransferCircuit) Define(api frontend.API) error {
	// Step 1: Nullifier (n = PRF(sk, rho))
	n := PRF(api, c.Sk, c.Rho)
	api.AssertIsEqual(c.Nullifier, n)

	// Step 2: Output commitments (cm_i = Com(amount_i, owner_i, rho_i, rand_i))
	hasher, _ := mimc.NewMiMC(api)
	for i := 0; i < MaxOutputs; i++ {
		hasher.Reset()
		hasher.Write(c.OutAmounts[i])
		hasher.Write(c.OutOwners[i])
		hasher.Write(c.OutRhos[i])
		hasher.Write(c.OutRands[i])
		api.AssertIsEqual(c.Commitments[i], hasher.Sum())
	}

	// Step 3: Value conservation
	sum := frontend.Variable(0)
	for i := 0; i < MaxOutputs; i++ {
		sum = api.Add(sum, c.OutAmounts[i])
	}
	api.AssertIsEqual(c.InAmount, sum)

	// Step 4: Statement binding (ties epoch and entropy reference into the
	// proven statement)
	hasher.Reset()
	hasher.Write(n)
	for i := 0; i < MaxOutputs; i++ {
		hasher.Write(c.Commitments[i])
	}
	hasher.Write(c.EpochID)
	hasher.Write(c.EntropyRef)
	api.AssertIsEqual(c.Binding, hasher.Sum())

	return nil
}

// PRF implements the nullifier PRF using MiMC hash in the circuit.
func PRF(api frontend.API, sk, rho frontend.Variable) frontend.Variable {
	hasher, _ := mimc.NewMiMC(api)
	hasher.Write(sk)
	hasher.Write(rho)
	return hasher.Sum()
}

// main.go - End-to-end walkthrough of the shielded token engine.
//
// Builds every component in process, admits a seismic entropy event, proves
// one shielded transfer with a stealth output, admits it through the
// gateway, scans as the recipient, then exercises double-spend rejection
// and an emergency key rotation.
package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/holiman/uint256"

	"quakeshield/internal/entropy"
	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
)

func main() {
	fmt.Println("=== Shielded Token Engine ===")

	ctx := context.Background()

	// Step 1: Compile the transfer circuit
	fmt.Println("\n1. Compiling transfer circuit...")
	ccs, err := shielded.CompileTransferCircuit()
	if err != nil {
		panic(fmt.Errorf("circuit compilation failed: %w", err))
	}
	fmt.Printf("Circuit compiled successfully. Constraints: %d\n", ccs.GetNbConstraints())

	// Step 2: Run the Groth16 setup
	fmt.Println("\n2. Generating proving and verifying keys...")
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		panic(fmt.Errorf("groth16 setup failed: %w", err))
	}
	verifier, err := shielded.NewGroth16Verifier(vk)
	if err != nil {
		panic(fmt.Errorf("verifier construction failed: %w", err))
	}
	fmt.Println("Keys generated successfully")

	// Step 3: Assemble the ledger components
	fmt.Println("\n3. Assembling ledger components...")
	gateCfg := entropy.DefaultConfig()
	gateCfg.TrustedSources = []string{"usgs"}
	gate, err := entropy.NewGate(gateCfg, nil)
	if err != nil {
		panic(fmt.Errorf("entropy gate construction failed: %w", err))
	}
	engine, err := rotation.NewEngine(rotation.DefaultConfig(), rotation.MiMCKeyDeriver)
	if err != nil {
		panic(fmt.Errorf("rotation engine construction failed: %w", err))
	}
	balances := shielded.NewBalances()
	if err := balances.Credit("treasury", uint256.NewInt(1_000_000)); err != nil {
		panic(fmt.Errorf("genesis credit failed: %w", err))
	}
	dir := stealth.NewDirectory()
	gw := gateway.New(verifier, engine, gate, shielded.NewAccumulator(),
		shielded.NewNullifierRegistry(), balances, dir, nil)
	fmt.Printf("Genesis state root: %s\n", gw.Root())

	// Step 4: Admit a seismic entropy event
	fmt.Println("\n4. Admitting entropy event...")
	event := &entropy.Event{
		SourceID:   "usgs",
		Latitude:   38.322,
		Longitude:  142.369,
		Magnitude:  6.1,
		ObservedAt: time.Now().Add(-time.Minute),
	}
	seed, err := gate.Admit(ctx, event)
	if err != nil {
		panic(fmt.Errorf("entropy admission failed: %w", err))
	}
	fmt.Printf("Seed derived from M%.1f event: %s...\n", event.Magnitude, seed.String()[:16])

	// Step 5: Derive the recipient's stealth output
	fmt.Println("\n5. Deriving stealth output...")
	recipient, err := stealth.GenerateKeyPair()
	if err != nil {
		panic(fmt.Errorf("stealth key generation failed: %w", err))
	}
	stealthOut, err := stealth.NewOutput(recipient.MetaAddress(), big.NewInt(500), seed)
	if err != nil {
		panic(fmt.Errorf("stealth output derivation failed: %w", err))
	}

	senderSk := shielded.RandomBytes(32)
	inRho := shielded.RandomBytes(32)
	payNote := shielded.NewOutputNote(big.NewInt(500), stealthOut.Owner)
	changeNote := shielded.NewOutputNote(big.NewInt(250), shielded.OwnerKey(senderSk))
	record := stealthOut.Bind(payNote.Commitment)
	fmt.Printf("One-time owner key: %s...\n", stealthOut.Owner.String()[:16])

	// Step 6: Prove the transfer, 750 in = 500 paid + 250 change
	fmt.Println("\n6. Generating zero-knowledge proof...")
	statement, err := shielded.BuildTransfer(senderSk, inRho, big.NewInt(750),
		[]*shielded.OutputNote{payNote, changeNote},
		engine.Current().ID, seed, ccs, pk)
	if err != nil {
		panic(fmt.Errorf("proof generation failed: %w", err))
	}
	fmt.Printf("Proof generated: %d bytes, nullifier %s...\n",
		len(statement.Proof), statement.Nullifier.String()[:16])

	// Step 7: Submit through the gateway, shielding 750 from the treasury
	fmt.Println("\n7. Submitting transfer...")
	req := &gateway.TransferRequest{
		Statement: *statement,
		Stealth:   record,
		Delta: &shielded.BalanceDelta{
			Account: "treasury",
			Amount:  uint256.NewInt(750),
			Debit:   true,
		},
	}
	root, err := gw.Submit(ctx, req)
	if err != nil {
		panic(fmt.Errorf("admission failed: %w", err))
	}
	fmt.Printf("Transfer admitted. State root: %s...\n", root.String()[:16])
	fmt.Printf("Treasury balance: %s\n", balances.Balance("treasury"))

	// Step 8: Scan as the recipient
	fmt.Println("\n8. Scanning as recipient...")
	var found *stealth.Payment
	for p := range dir.Scan(recipient.ViewCredential()) {
		found = p
		break
	}
	if found == nil {
		panic(fmt.Errorf("recipient found no payment"))
	}
	_, oneTimePub := stealth.DeriveOneTimeKey(recipient.SpendSk, found.Tweak)
	if stealth.OneTimeOwner(oneTimePub) != stealthOut.Owner {
		panic(fmt.Errorf("derived spend key does not match the output owner"))
	}
	fmt.Printf("Payment detected: %s tokens at commitment %s...\n",
		found.Amount, found.Commitment.String()[:16])
	fmt.Println("One-time spend key derived successfully")

	// Step 9: Replay the spent nullifier
	fmt.Println("\n9. Replaying the spent nullifier...")
	if _, err := gw.Submit(ctx, req); err != nil {
		fmt.Printf("Replay rejected: %v\n", err)
	} else {
		panic(fmt.Errorf("replayed transfer was admitted"))
	}

	// Step 10: Emergency rotation carried by the next entropy event
	fmt.Println("\n10. Rotating epoch keys...")
	engine.RequestEmergencyRotation()
	next := &entropy.Event{
		SourceID:   "usgs",
		Latitude:   -33.447,
		Longitude:  -70.673,
		Magnitude:  5.4,
		ObservedAt: time.Now(),
	}
	nextSeed, err := gate.Admit(ctx, next)
	if err != nil {
		panic(fmt.Errorf("entropy admission failed: %w", err))
	}
	epoch, rotated, err := engine.Rotate(nextSeed, next.ObservedAt)
	if err != nil {
		panic(fmt.Errorf("rotation failed: %w", err))
	}
	if !rotated {
		panic(fmt.Errorf("rotation did not trigger"))
	}
	fmt.Printf("Rotated to epoch %d, verify key %x...\n", epoch.ID, epoch.VerifyKey[:8])

	fmt.Println("\n=== Summary ===")
	fmt.Printf("Admitted transfers: %d\n", gw.Admitted())
	fmt.Printf("State root:         %s\n", gw.Root())
	fmt.Printf("Stealth records:    %d\n", dir.Len())
	fmt.Printf("Active epoch:       %d\n", epoch.ID)
	fmt.Println("Double-spend check: ✅ rejected")
	fmt.Println("Stealth detection:  ✅ recipient found payment")
	fmt.Println("\n🎉 Shielded transfer completed successfully!")
}

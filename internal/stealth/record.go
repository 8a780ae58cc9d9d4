// record.go - Stealth output records and the sender/receiver derivation.
//
// The sender derives an ephemeral key from the admitted entropy seed plus
// fresh randomness, runs a Diffie-Hellman exchange against the recipient's
// view key, and masks the amount under a MiMC chain over the shared point.
// The published record carries nothing a third party can link to an address.

package stealth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"

	"quakeshield/internal/shielded"
)

const (
	amountLen  = 32
	checkLen   = 16
	payloadLen = amountLen + checkLen
)

// Point wraps a G1 point with base64 JSON encoding.
type Point struct {
	bls12377.G1Affine
}

// MarshalJSON implements the json.Marshaler interface.
func (p Point) MarshalJSON() ([]byte, error) {
	return []byte(`"` + base64.StdEncoding.EncodeToString(p.G1Affine.Marshal()) + `"`), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Point) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string for Point")
	}
	b, err := base64.StdEncoding.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	return p.G1Affine.Unmarshal(b)
}

// Record is one published stealth output. The view tag is the only scan
// accelerator; everything else needs the view secret to open.
type Record struct {
	EphemeralPub    Point           `json:"ephemeral_public_key"`
	EncryptedAmount []byte          `json:"encrypted_amount"`
	ViewTag         byte            `json:"view_tag"`
	CommitmentRef   shielded.Digest `json:"commitment_ref"`
}

// Output is a freshly derived stealth output on the sender side. The caller
// commits to Owner in the shielded note, then binds the commitment into the
// record with Bind.
type Output struct {
	Record  *Record
	Tweak   *bls12377_fr.Element
	OneTime *bls12377.G1Affine
	Owner   shielded.Digest
}

// Bind sets the record's commitment reference and returns the record.
func (o *Output) Bind(cm shielded.Digest) *Record {
	o.Record.CommitmentRef = cm
	return o.Record
}

// Payment is one detected incoming output. Tweak plus the holder's spend
// secret yields the one-time spend key via DeriveOneTimeKey.
type Payment struct {
	Amount       *big.Int
	Commitment   shielded.Digest
	EphemeralPub *bls12377.G1Affine
	Tweak        *bls12377_fr.Element
}

// NewOutput derives a stealth output to meta carrying amount. The ephemeral
// scalar mixes the given admitted entropy seed with fresh local randomness.
func NewOutput(meta *MetaAddress, amount *big.Int, entropySeed shielded.Digest) (*Output, error) {
	if meta == nil || meta.SpendPub == nil || meta.ViewPub == nil {
		return nil, fmt.Errorf("incomplete meta address")
	}
	eph, err := ephemeralScalar(entropySeed)
	if err != nil {
		return nil, err
	}
	R := scalarBase(eph)
	S := dh(eph, meta.ViewPub)
	chain0, chain1 := maskChain(S)

	tw := tweakScalar(chain0)
	oneTime := addPoints(meta.SpendPub, scalarBase(tw))
	ct, err := sealAmount(amount, chain0, chain1)
	if err != nil {
		return nil, err
	}
	return &Output{
		Record: &Record{
			EphemeralPub:    Point{*R},
			EncryptedAmount: ct,
			ViewTag:         chain0[0],
		},
		Tweak:   tw,
		OneTime: oneTime,
		Owner:   OneTimeOwner(oneTime),
	}, nil
}

// openRecord judges one record under a view credential. The view tag prunes
// non-matches cheaply; a surviving record must still open with a valid
// integrity check before it counts as ours.
func openRecord(vc *ViewCredential, rec *Record) (*Payment, bool) {
	S := dh(vc.ViewSk, &rec.EphemeralPub.G1Affine)
	chain0, chain1 := maskChain(S)
	if chain0[0] != rec.ViewTag {
		return nil, false
	}
	amount, ok := openAmount(rec.EncryptedAmount, chain0, chain1)
	if !ok {
		return nil, false
	}
	return &Payment{
		Amount:       amount,
		Commitment:   rec.CommitmentRef,
		EphemeralPub: &rec.EphemeralPub.G1Affine,
		Tweak:        tweakScalar(chain0),
	}, true
}

// maskChain derives the per-output secret chain from the shared point.
// chain0 carries the tweak, view tag, and integrity bytes; chain1 masks the
// amount payload.
func maskChain(S *bls12377.G1Affine) (chain0, chain1 shielded.Digest) {
	x := S.X.Bytes()
	y := S.Y.Bytes()
	chain0 = shielded.Hash(x[:], y[:])
	chain1 = shielded.Hash(chain0[:])
	return
}

// tweakScalar reduces the chain head into a BLS12-377 scalar.
func tweakScalar(chain0 shielded.Digest) *bls12377_fr.Element {
	var t bls12377_fr.Element
	t.SetBytes(chain0[:])
	return &t
}

// ephemeralScalar derives a fresh nonzero ephemeral scalar from the admitted
// entropy seed and local randomness.
func ephemeralScalar(seed shielded.Digest) (*bls12377_fr.Element, error) {
	for i := 0; i < 4; i++ {
		h := shielded.Hash(seed[:], shielded.RandomBytes(32))
		var e bls12377_fr.Element
		e.SetBytes(h[:])
		if !e.IsZero() {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("ephemeral scalar derivation degenerated")
}

// sealAmount encrypts amount plus integrity bytes under the mask chain.
// The integrity bytes bind both the chain and the amount, so neither a
// foreign credential nor a tampered ciphertext opens.
func sealAmount(amount *big.Int, chain0, chain1 shielded.Digest) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	ab := amount.Bytes()
	if len(ab) > amountLen {
		return nil, fmt.Errorf("amount exceeds %d bytes", amountLen)
	}
	var pt [payloadLen]byte
	copy(pt[amountLen-len(ab):amountLen], ab)
	check := integrityCheck(chain0, pt[:amountLen])
	copy(pt[amountLen:], check[:checkLen])
	ct := make([]byte, payloadLen)
	for i := range ct {
		ct[i] = pt[i] ^ chain1[i]
	}
	return ct, nil
}

// openAmount reverses sealAmount, rejecting payloads whose integrity bytes
// do not match.
func openAmount(ct []byte, chain0, chain1 shielded.Digest) (*big.Int, bool) {
	if len(ct) != payloadLen {
		return nil, false
	}
	var pt [payloadLen]byte
	for i := range pt {
		pt[i] = ct[i] ^ chain1[i]
	}
	check := integrityCheck(chain0, pt[:amountLen])
	if !bytes.Equal(pt[amountLen:], check[:checkLen]) {
		return nil, false
	}
	return new(big.Int).SetBytes(pt[:amountLen]), true
}

func integrityCheck(chain0 shielded.Digest, amount []byte) shielded.Digest {
	return shielded.Hash(chain0[:], amount)
}

// keys.go - Dual-key stealth addressing on BLS12-377.
//
// A holder carries two scalar pairs. The spend pair controls one-time output
// keys; the view pair only detects incoming outputs. Handing out the view
// credential delegates scanning without delegating spending.

package stealth

import (
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"

	"quakeshield/internal/shielded"
)

// KeyPair is a holder's dual stealth key pair.
type KeyPair struct {
	SpendSk  *bls12377_fr.Element
	SpendPub *bls12377.G1Affine
	ViewSk   *bls12377_fr.Element
	ViewPub  *bls12377.G1Affine
}

// GenerateKeyPair draws fresh spend and view pairs.
func GenerateKeyPair() (*KeyPair, error) {
	spendSk, spendPub, err := newScalarPair()
	if err != nil {
		return nil, err
	}
	viewSk, viewPub, err := newScalarPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		SpendSk:  spendSk,
		SpendPub: spendPub,
		ViewSk:   viewSk,
		ViewPub:  viewPub,
	}, nil
}

// MetaAddress is the public half a sender needs to derive outputs.
type MetaAddress struct {
	SpendPub *bls12377.G1Affine
	ViewPub  *bls12377.G1Affine
}

// MetaAddress returns the holder's public meta address.
func (kp *KeyPair) MetaAddress() *MetaAddress {
	return &MetaAddress{SpendPub: kp.SpendPub, ViewPub: kp.ViewPub}
}

// ViewCredential detects incoming outputs but cannot spend them. SpendPub
// lets a view-only wallet reconstruct the one-time public keys it watches.
type ViewCredential struct {
	ViewSk   *bls12377_fr.Element
	SpendPub *bls12377.G1Affine
}

// ViewCredential returns the holder's scanning credential.
func (kp *KeyPair) ViewCredential() *ViewCredential {
	return &ViewCredential{ViewSk: kp.ViewSk, SpendPub: kp.SpendPub}
}

// DeriveOneTimeKey returns the one-time spend scalar and public key for a
// detected payment: p = spendSk + tweak, P = p·G.
func DeriveOneTimeKey(spendSk, tweak *bls12377_fr.Element) (*bls12377_fr.Element, *bls12377.G1Affine) {
	var p bls12377_fr.Element
	p.Add(spendSk, tweak)
	return &p, scalarBase(&p)
}

// OneTimeOwner digests a one-time public key into a note owner key.
func OneTimeOwner(p *bls12377.G1Affine) shielded.Digest {
	x := p.X.Bytes()
	y := p.Y.Bytes()
	return shielded.Hash(x[:], y[:])
}

func newScalarPair() (*bls12377_fr.Element, *bls12377.G1Affine, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, err
	}
	return &sk, scalarBase(&sk), nil
}

// scalarBase computes s·G.
func scalarBase(s *bls12377_fr.Element) *bls12377.G1Affine {
	g1Jac, _, _, _ := bls12377.Generators()
	var p bls12377.G1Affine
	p.FromJacobian(&g1Jac)
	p.ScalarMultiplication(&p, s.BigInt(new(big.Int)))
	return &p
}

// dh computes s·P.
func dh(s *bls12377_fr.Element, P *bls12377.G1Affine) *bls12377.G1Affine {
	var out bls12377.G1Affine
	out.ScalarMultiplication(P, s.BigInt(new(big.Int)))
	return &out
}

func addPoints(a, b *bls12377.G1Affine) *bls12377.G1Affine {
	var out bls12377.G1Affine
	out.Add(a, b)
	return &out
}

// Package identity implements the node keypair: an Ed25519 signing key and
// an X25519 agreement key bound together by a 40-bit address derived from
// both public halves.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	addressDerivationTag = "vether:address:v1"
	agreementKDFLabel    = "vether:agree:v1"

	signingPubSize    = ed25519.PublicKeySize
	agreementPubSize  = 32
	signingSeedSize   = ed25519.SeedSize
	agreementPrivSize = 32

	publicKeyBlobSize = signingPubSize + agreementPubSize
	privateBlobSize   = signingSeedSize + agreementPrivSize

	// identityTypeField is the key-type discriminator in the string form.
	// Only type 0 (ed25519+x25519) exists.
	identityTypeField = "0"
)

var (
	ErrMalformedIdentity = errors.New("malformed identity")
	ErrAddressMismatch   = errors.New("identity address does not match its keys")
	ErrNoPrivateKey      = errors.New("identity has no private key")
)

type Identity struct {
	address       Address
	signingPub    []byte
	agreementPub  []byte
	signingSeed   []byte // nil for public-only identities
	agreementPriv []byte
}

// Generate creates a fresh keypair, retrying until the derived address is
// not in the reserved range.
func Generate() (*Identity, error) {
	for {
		spub, spriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		apriv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		apub := apriv.PublicKey().Bytes()
		addr := DeriveAddress(spub, apub)
		if addr.IsReserved() {
			continue
		}
		return &Identity{
			address:       addr,
			signingPub:    append([]byte(nil), spub...),
			agreementPub:  apub,
			signingSeed:   append([]byte(nil), spriv.Seed()...),
			agreementPriv: apriv.Bytes(),
		}, nil
	}
}

func DeriveAddress(signingPub, agreementPub []byte) Address {
	buf := make([]byte, 0, len(addressDerivationTag)+len(signingPub)+len(agreementPub))
	buf = append(buf, addressDerivationTag...)
	buf = append(buf, signingPub...)
	buf = append(buf, agreementPub...)
	sum := sha3.Sum256(buf)
	addr, _ := AddressFromBytes(sum[:AddressLength])
	return addr
}

// FromString parses either the public form
// "aaaaaaaaaa:0:<pubhex>" or the secret form with an appended ":<privhex>".
// The embedded address is recomputed from the keys and must match.
func FromString(s string) (*Identity, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) != 3 && len(fields) != 4 {
		return nil, ErrMalformedIdentity
	}
	addr, err := ParseAddress(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	if fields[1] != identityTypeField {
		return nil, fmt.Errorf("%w: unknown key type %q", ErrMalformedIdentity, fields[1])
	}
	pub, err := hex.DecodeString(fields[2])
	if err != nil || len(pub) != publicKeyBlobSize {
		return nil, ErrMalformedIdentity
	}
	id := &Identity{
		address:      addr,
		signingPub:   pub[:signingPubSize],
		agreementPub: pub[signingPubSize:],
	}
	if DeriveAddress(id.signingPub, id.agreementPub) != addr {
		return nil, ErrAddressMismatch
	}
	if len(fields) == 4 {
		priv, err := hex.DecodeString(fields[3])
		if err != nil || len(priv) != privateBlobSize {
			return nil, ErrMalformedIdentity
		}
		id.signingSeed = priv[:signingSeedSize]
		id.agreementPriv = priv[signingSeedSize:]
		derivedPub := ed25519.NewKeyFromSeed(id.signingSeed).Public().(ed25519.PublicKey)
		if !strings.EqualFold(hex.EncodeToString(derivedPub), hex.EncodeToString(id.signingPub)) {
			return nil, ErrMalformedIdentity
		}
	}
	return id, nil
}

func (id *Identity) Address() Address { return id.address }

func (id *Identity) HasPrivate() bool { return len(id.signingSeed) == signingSeedSize }

// String returns the public form.
func (id *Identity) String() string {
	return id.address.String() + ":" + identityTypeField + ":" +
		hex.EncodeToString(id.signingPub) + hex.EncodeToString(id.agreementPub)
}

// PrivateString returns the secret form. It must only be written to
// restricted storage.
func (id *Identity) PrivateString() (string, error) {
	if !id.HasPrivate() {
		return "", ErrNoPrivateKey
	}
	return id.String() + ":" +
		hex.EncodeToString(id.signingSeed) + hex.EncodeToString(id.agreementPriv), nil
}

// Public strips the private halves.
func (id *Identity) Public() *Identity {
	return &Identity{
		address:      id.address,
		signingPub:   id.signingPub,
		agreementPub: id.agreementPub,
	}
}

func (id *Identity) Equals(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.address == other.address &&
		hex.EncodeToString(id.signingPub) == hex.EncodeToString(other.signingPub) &&
		hex.EncodeToString(id.agreementPub) == hex.EncodeToString(other.agreementPub)
}

// Sign signs the SHA3-256 digest of msg.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if !id.HasPrivate() {
		return nil, ErrNoPrivateKey
	}
	digest := sha3.Sum256(msg)
	key := ed25519.NewKeyFromSeed(id.signingSeed)
	return ed25519.Sign(key, digest[:]), nil
}

func (id *Identity) Verify(msg, sig []byte) bool {
	if len(id.signingPub) != signingPubSize || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := sha3.Sum256(msg)
	return ed25519.Verify(ed25519.PublicKey(id.signingPub), digest[:], sig)
}

// Agree computes the 32-byte pairwise session key with peer. Both sides
// arrive at the same key; the KDF folds in the label only, so the key is
// symmetric in the two identities.
func (id *Identity) Agree(peer *Identity) ([]byte, error) {
	if !id.HasPrivate() {
		return nil, ErrNoPrivateKey
	}
	priv, err := ecdh.X25519().NewPrivateKey(id.agreementPriv)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peer.agreementPub)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(agreementKDFLabel)+len(shared))
	buf = append(buf, agreementKDFLabel...)
	buf = append(buf, shared...)
	key := sha3.Sum256(buf)
	return key[:], nil
}

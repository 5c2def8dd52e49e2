package sccrypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureScheme signs and verifies the byte content of a single vote.
// The consensus core never calls this directly -- it is the reference
// implementation for whatever sits in front of the SHC at the network
// boundary (spec section 6: "signatures are validated by the transport/
// context layer before delivery to SHC").
type SignatureScheme interface {
	Sign(priv []byte, content []byte) ([]byte, error)
	Verify(pub []byte, content []byte, sig []byte) bool
}

// Secp256k1SignatureScheme signs with ECDSA over secp256k1, the curve
// already present in this module's dependency closet (decred's
// implementation, also used by autonity's validator signing).
type Secp256k1SignatureScheme struct{}

func (Secp256k1SignatureScheme) Sign(priv []byte, content []byte) ([]byte, error) {
	key := secp256k1.PrivKeyFromBytes(priv)
	digest := Blake2bHashScheme{}.Commitment(content)
	sig := ecdsa.Sign(key, digest[:])
	return sig.Serialize(), nil
}

func (Secp256k1SignatureScheme) Verify(pub []byte, content []byte, sigBytes []byte) bool {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	digest := Blake2bHashScheme{}.Commitment(content)
	return sig.Verify(digest[:], key)
}

// GenerateKey returns a freshly generated secp256k1 key pair, for tests and
// fixtures that need a real signer rather than a stub.
func GenerateKey() (priv []byte, pub []byte, err error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("sccrypto: generate key: %w", err)
	}
	return key.Serialize(), key.PubKey().SerializeCompressed(), nil
}

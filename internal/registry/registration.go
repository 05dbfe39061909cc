package registry

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"BioMod/internal/attestation"
)

// registrationDomain separates registration signatures from every other message.
const registrationDomain = "biomod-register-v1"

// ErrInvalidRegistration is returned when a registration is not signed by both keys.
var ErrInvalidRegistration = errors.New("invalid registration")

// Registration is a validator's signed request to join. Signature proves
// ownership of the ed25519 identity and BLSSignature proves possession of
// the BLS key used for attestations.
type Registration struct {
	Info         ValidatorInfo `json:"info"`
	Signature    []byte        `json:"signature"`
	BLSSignature []byte        `json:"bls_signature"`
}

// RegistrationMessage returns the digest both keys sign.
// Layout: blake3(domain | id | bls | stake(8) | len(address)(2) | address).
func RegistrationMessage(info ValidatorInfo) []byte {
	h := blake3.New()
	h.Write([]byte(registrationDomain))
	h.Write(info.ID[:])
	h.Write(info.BLSPubkey[:])

	var buf [10]byte
	binary.BigEndian.PutUint64(buf[0:8], info.Stake)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(info.Address)))
	h.Write(buf[:])
	h.Write([]byte(info.Address))

	return h.Sum(nil)
}

// SignRegistration signs info with the validator's keys. info.ID and
// info.BLSPubkey are set from the keys.
func SignRegistration(priv ed25519.PrivateKey, key *attestation.KeyPair, info ValidatorInfo) Registration {
	copy(info.ID[:], priv.Public().(ed25519.PublicKey))
	info.BLSPubkey = key.PublicKey()

	msg := RegistrationMessage(info)

	return Registration{
		Info:         info,
		Signature:    ed25519.Sign(priv, msg),
		BLSSignature: key.Sign(msg),
	}
}

// Verify checks both signatures.
func (r Registration) Verify() error {
	if len(r.Info.Address) > 0xFFFF {
		return fmt.Errorf("%w: address too long", ErrInvalidRegistration)
	}

	msg := RegistrationMessage(r.Info)

	if len(r.Signature) != ed25519.SignatureSize || !ed25519.Verify(r.Info.ID[:], msg, r.Signature) {
		return fmt.Errorf("%w: bad identity signature", ErrInvalidRegistration)
	}

	if !attestation.VerifySignature(r.BLSSignature, msg, r.Info.BLSPubkey[:]) {
		return fmt.Errorf("%w: bad bls proof of possession", ErrInvalidRegistration)
	}

	return nil
}

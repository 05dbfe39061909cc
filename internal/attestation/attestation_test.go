package attestation

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func testKey(t *testing.T) (*KeyPair, ValidatorID) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519 key: %v", err)
	}

	key, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive bls key: %v", err)
	}

	var id ValidatorID
	copy(id[:], pub)

	return key, id
}

// TestBLSSignVerify tests basic sign and verify.
func TestBLSSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := []byte("sequence")
	sig := key.Sign(message)
	pk := key.PublicKey()

	if len(sig) != BLSSignatureSize {
		t.Errorf("signature size: got %d, want %d", len(sig), BLSSignatureSize)
	}

	if !VerifySignature(sig, message, pk[:]) {
		t.Error("valid signature should verify")
	}

	if VerifySignature(sig, []byte("other"), pk[:]) {
		t.Error("signature should not verify with wrong message")
	}
}

// TestDeriveDeterministic tests that the same ed25519 key yields the same BLS key.
func TestDeriveDeterministic(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)

	k1, _ := DeriveFromED25519(priv)
	k2, _ := DeriveFromED25519(priv)

	if k1.PublicKey() != k2.PublicKey() {
		t.Error("same ed25519 key should derive the same BLS key")
	}
}

// TestVerifyAggregateDistinctMessages tests aggregation over per-signer messages.
func TestVerifyAggregateDistinctMessages(t *testing.T) {
	const n = 4

	sigs := make([][]byte, n)
	msgs := make([][]byte, n)
	pks := make([][]byte, n)

	for i := 0; i < n; i++ {
		key, _ := GenerateKey()
		msgs[i] = []byte{byte(i), 'm'}
		sigs[i] = key.Sign(msgs[i])
		pk := key.PublicKey()
		pks[i] = pk[:]
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if !VerifyAggregate(agg, msgs, pks) {
		t.Fatal("valid aggregate should verify")
	}

	msgs[2] = []byte("tampered")
	if VerifyAggregate(agg, msgs, pks) {
		t.Fatal("aggregate should not verify with a changed message")
	}

	if VerifyAggregate(agg, msgs[:2], pks) {
		t.Fatal("mismatched message and key counts should fail")
	}
}

// TestAttestationVerify tests the structural checks on a signed attestation.
func TestAttestationVerify(t *testing.T) {
	key, id := testKey(t)
	seq := [32]byte{1}
	root := [32]byte{2}

	att := New(key, id, seq, root, []byte("proof"), time.Now(), Remote)

	if err := att.Verify(seq, key.PublicKey()); err != nil {
		t.Fatalf("valid attestation rejected: %v", err)
	}

	if err := att.Verify([32]byte{9}, key.PublicKey()); !errors.Is(err, ErrSequenceMismatch) {
		t.Errorf("wrong sequence: got %v", err)
	}

	other, _ := GenerateKey()
	if err := att.Verify(seq, other.PublicKey()); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key: got %v", err)
	}

	att.MerkleRoot[0] ^= 1
	if err := att.Verify(seq, key.PublicKey()); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered root: got %v", err)
	}

	att.Signature = att.Signature[:10]
	if err := att.Verify(seq, key.PublicKey()); !errors.Is(err, ErrMalformed) {
		t.Errorf("short signature: got %v", err)
	}
}

// TestEncodeDecode tests the wire codec keeps the signature valid.
func TestEncodeDecode(t *testing.T) {
	key, id := testKey(t)
	seq := [32]byte{7}

	att := New(key, id, seq, [32]byte{8}, []byte{1, 2, 3, 4}, time.Now(), Local)

	got, err := Decode(Encode(att), Remote)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Validator != id || !bytes.Equal(got.Proof, att.Proof) || !got.Timestamp.Equal(att.Timestamp) {
		t.Fatal("decoded attestation differs")
	}

	if got.Provenance != Remote {
		t.Errorf("provenance: got %v, want remote", got.Provenance)
	}

	if err := got.Verify(seq, key.PublicKey()); err != nil {
		t.Fatalf("decoded attestation does not verify: %v", err)
	}

	enc := Encode(att)
	if _, err := Decode(enc[:len(enc)-1], Remote); !errors.Is(err, ErrMalformed) {
		t.Errorf("truncated: got %v", err)
	}

	if _, err := Decode(enc[:50], Remote); !errors.Is(err, ErrMalformed) {
		t.Errorf("short header: got %v", err)
	}
}

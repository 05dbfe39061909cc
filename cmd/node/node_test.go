package main

import (
	"os"
	"path/filepath"
	"testing"

	"BioMod/internal/api"
	"BioMod/internal/attestation"
	"BioMod/internal/registry"
)

// TestLoadOrGenerateKey tests that a generated key is reloaded unchanged.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !first.Equal(second) {
		t.Fatal("reloaded key differs")
	}

	raw := filepath.Join(t.TempDir(), "raw.key")
	if err := os.WriteFile(raw, first, 0600); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	if third, err := loadOrGenerateKey(raw); err != nil || !first.Equal(third) {
		t.Fatalf("raw key: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.key")
	os.WriteFile(bad, []byte("abcd\n"), 0600)

	if _, err := loadOrGenerateKey(bad); err == nil {
		t.Fatal("short seed accepted")
	}
}

// TestValidatorFromView tests decoding a listed validator.
func TestValidatorFromView(t *testing.T) {
	key, err := attestation.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	info := registry.ValidatorInfo{
		ID:        registry.ID{1, 2, 3},
		BLSPubkey: key.PublicKey(),
		Address:   "10.0.0.2:9000",
		Stake:     7,
		Hardware:  registry.Hardware{Cores: 64},
	}

	got, err := validatorFromView(api.NewValidatorView(info))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != info.ID || got.BLSPubkey != info.BLSPubkey || got.Address != info.Address || got.Stake != 7 {
		t.Fatalf("decoded %+v", got)
	}

	view := api.NewValidatorView(info)
	view.BLSPubkey = "00"

	if _, err := validatorFromView(view); err == nil {
		t.Fatal("short bls key accepted")
	}
}

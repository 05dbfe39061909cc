package proof

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"BioMod/internal/quality"
)

// checkCoverageWASM exports check(coverage, error_ppm, quality_milli) -> coverage >= 30.
var checkCoverageWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x01, 0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x09, 0x01, 0x05, 0x63, 0x68, 0x65, 0x63, 0x6b, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x41, 0x1e, 0x4e, 0x0b,
}

func passingMetrics() quality.Metrics {
	return quality.Metrics{Coverage: 35, QualityScore: 38, ErrorRate: 0.0009}
}

func sequence(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = "ACGT"[i%4] ^ byte(i>>8)
	}

	return data
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ChunkSize = 64
	cfg.Samples = 8

	if mutate != nil {
		mutate(&cfg)
	}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return e
}

func laxGate(c *Config) {
	c.Gate = quality.Gate{MinCoverage: 0, MaxErrorRate: 1, MinQualityScore: 0}
}

// TestBuildVerifyRoundTrip tests that every gate-passing input verifies.
func TestBuildVerifyRoundTrip(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()

	for _, n := range []int{1, 63, 64, 65, 500, 4096, 10_000} {
		p, err := e.Build(ctx, sequence(n), passingMetrics())
		if err != nil {
			t.Fatalf("len %d: build: %v", n, err)
		}

		if err := e.Verify(ctx, p); err != nil {
			t.Fatalf("len %d: verify: %v", n, err)
		}

		decoded, err := DecodeProof(Encode(p))
		if err != nil {
			t.Fatalf("len %d: decode: %v", n, err)
		}

		if err := newEngine(t, nil).Verify(ctx, decoded); err != nil {
			t.Fatalf("len %d: verify decoded: %v", n, err)
		}
	}
}

// TestContentHashDeterministic tests identical bytes yield identical content hashes.
func TestContentHashDeterministic(t *testing.T) {
	e := newEngine(t, nil)
	data := sequence(300)

	p1, _ := e.Build(context.Background(), data, passingMetrics())
	p2, _ := e.Build(context.Background(), data, passingMetrics())

	if p1.ContentHash != p2.ContentHash {
		t.Fatal("content hash differs for identical bytes")
	}

	if p1.MerkleRoot == p2.MerkleRoot {
		t.Fatal("salted roots should differ between builds")
	}
}

// TestRootBitFlipFails tests that every single-bit root mutation is rejected.
func TestRootBitFlipFails(t *testing.T) {
	e := newEngine(t, nil)
	p, err := e.Build(context.Background(), sequence(1000), passingMetrics())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for bit := 0; bit < 256; bit++ {
		mutated := *p
		mutated.MerkleRoot[bit/8] ^= 1 << (bit % 8)

		if err := e.Verify(context.Background(), &mutated); !errors.Is(err, ErrInvalidMerkleRoot) {
			t.Fatalf("bit %d: got %v, want ErrInvalidMerkleRoot", bit, err)
		}
	}
}

func TestBuildRejectsLowQuality(t *testing.T) {
	e := newEngine(t, nil)

	m := passingMetrics()
	m.ErrorRate = 0.01

	_, err := e.Build(context.Background(), sequence(100), m)
	if !errors.Is(err, ErrQualityBelowThreshold) || !errors.Is(err, quality.ErrHighErrorRate) {
		t.Fatalf("got %v, want ErrQualityBelowThreshold wrapping ErrHighErrorRate", err)
	}
}

func TestBuildConstructionErrors(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.MaxChunks = 2 })

	if _, err := e.Build(context.Background(), nil, passingMetrics()); !errors.Is(err, ErrProofConstruction) {
		t.Errorf("empty data: got %v", err)
	}

	if _, err := e.Build(context.Background(), sequence(64*3), passingMetrics()); !errors.Is(err, ErrProofConstruction) {
		t.Errorf("too many chunks: got %v", err)
	}

	bad := passingMetrics()
	bad.Intervals = []quality.Interval{{Low: 2, High: 1}}
	if _, err := e.Build(context.Background(), sequence(10), bad); !errors.Is(err, ErrProofConstruction) {
		t.Errorf("malformed metrics: got %v", err)
	}
}

// TestVerifyRejectsOutOfPolicyInputs tests that a well-formed proof from a lax
// prover is still rejected by a strict verifier.
func TestVerifyRejectsOutOfPolicyInputs(t *testing.T) {
	ctx := context.Background()
	lax := newEngine(t, func(c *Config) { laxGate(c); c.MaxChunks = 1 << 10 })
	strict := newEngine(t, func(c *Config) { c.MaxChunks = 4 })

	low := passingMetrics()
	low.Coverage = 10

	p, err := lax.Build(ctx, sequence(100), low)
	if err != nil {
		t.Fatalf("lax build: %v", err)
	}

	if err := lax.Verify(ctx, p); err != nil {
		t.Fatalf("lax verify: %v", err)
	}

	if err := strict.Verify(ctx, p); !errors.Is(err, ErrInvalidZkProof) {
		t.Fatalf("low coverage: got %v, want ErrInvalidZkProof", err)
	}

	big, _ := lax.Build(ctx, sequence(64*10), passingMetrics())
	if err := strict.Verify(ctx, big); !errors.Is(err, ErrInvalidZkProof) {
		t.Fatalf("chunk count: got %v, want ErrInvalidZkProof", err)
	}
}

func TestVerifyRejectsTamperedInputs(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	p, _ := e.Build(ctx, sequence(2000), passingMetrics())

	tampered := *p
	tampered.Public.Coverage = 99
	if err := e.Verify(ctx, &tampered); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("changed coverage: got %v", err)
	}

	tampered = *p
	tampered.Witness[3] ^= 0x80
	if err := e.Verify(ctx, &tampered); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("changed witness: got %v", err)
	}

	tampered = *p
	tampered.Openings = p.Openings[1:]
	if err := e.Verify(ctx, &tampered); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("dropped opening: got %v", err)
	}

	tampered = *p
	tampered.Transcript[0] ^= 1
	if err := e.Verify(ctx, &tampered); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("changed transcript: got %v", err)
	}
}

func TestVerifyEncodedLimits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, func(c *Config) { c.MaxProofSize = 64 })

	p, _ := e.Build(ctx, sequence(200), passingMetrics())
	if _, err := e.VerifyEncoded(ctx, Encode(p)); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("oversized proof: got %v", err)
	}

	if _, err := e.VerifyEncoded(ctx, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidZkProof) {
		t.Errorf("garbage proof: got %v", err)
	}

	enc := Encode(p)
	if _, err := DecodeProof(append(enc, 0)); err == nil {
		t.Error("trailing byte accepted")
	}
}

func TestVerifyCachesResult(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	p, _ := e.Build(ctx, sequence(500), passingMetrics())

	for i := 0; i < 3; i++ {
		if err := e.Verify(ctx, p); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}

	if e.cache.Len() != 1 {
		t.Fatalf("cache entries: got %d, want 1", e.cache.Len())
	}
}

func TestDisclosure(t *testing.T) {
	e := newEngine(t, nil)
	data := sequence(1000)

	p, _ := e.Build(context.Background(), data, passingMetrics())

	d, err := p.Disclose(data, 5)
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}

	if !bytes.Equal(d.Chunk, data[5*64:6*64]) {
		t.Fatal("disclosed chunk differs from data")
	}

	if err := VerifyDisclosure(p.MerkleRoot, d); err != nil {
		t.Fatalf("verify disclosure: %v", err)
	}

	d.Chunk[0] ^= 1
	if err := VerifyDisclosure(p.MerkleRoot, d); !errors.Is(err, ErrInvalidDisclosure) {
		t.Fatalf("tampered chunk: got %v", err)
	}

	decoded, _ := DecodeProof(Encode(p))
	if _, err := decoded.Disclose(data, 0); !errors.Is(err, ErrNoWitness) {
		t.Fatalf("decoded proof: got %v, want ErrNoWitness", err)
	}

	if _, err := p.Disclose(sequence(999), 0); !errors.Is(err, ErrInvalidDisclosure) {
		t.Fatalf("wrong data: got %v", err)
	}
}

func TestWASMPredicate(t *testing.T) {
	ctx := context.Background()

	pred, err := NewWASMPredicate(ctx, checkCoverageWASM)
	if err != nil {
		t.Fatalf("compile predicate: %v", err)
	}
	t.Cleanup(func() { pred.Close(ctx) })

	if err := pred.Check(ctx, passingMetrics()); err != nil {
		t.Fatalf("coverage 35 rejected: %v", err)
	}

	low := passingMetrics()
	low.Coverage = 20
	if err := pred.Check(ctx, low); !errors.Is(err, ErrPredicateRejected) {
		t.Fatalf("coverage 20: got %v", err)
	}

	e := newEngine(t, func(c *Config) { laxGate(c); c.Predicate = pred })
	if _, err := e.Build(ctx, sequence(10), low); !errors.Is(err, ErrQualityBelowThreshold) {
		t.Fatalf("engine with predicate: got %v", err)
	}

	if _, err := NewWASMPredicate(ctx, []byte("not wasm")); err == nil {
		t.Fatal("invalid module accepted")
	}
}

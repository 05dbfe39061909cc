package proof

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/tetratelabs/wazero"

	"BioMod/internal/quality"
)

// ErrPredicateRejected is returned when a WASM predicate returns false.
var ErrPredicateRejected = errors.New("quality predicate rejected metrics")

// Predicate decides whether claimed metrics satisfy the quality policy.
type Predicate interface {
	// Check returns nil if m satisfies the predicate.
	Check(ctx context.Context, m quality.Metrics) error
}

// GatePredicate is the native predicate backed by a quality.Gate.
type GatePredicate struct {
	Gate quality.Gate
}

// Check applies the gate.
func (p GatePredicate) Check(_ context.Context, m quality.Metrics) error {
	return p.Gate.Check(m)
}

// WASMPredicate runs a compiled WASM module exporting
// check(coverage i32, error_ppm i32, quality_milli i32) -> i32.
// A non-zero result accepts the metrics.
type WASMPredicate struct {
	runtime  wazero.Runtime        // runtime is the wazero runtime instance
	compiled wazero.CompiledModule // compiled is the predicate module
}

// NewWASMPredicate compiles a predicate module.
func NewWASMPredicate(ctx context.Context, wasmBytes []byte) (*WASMPredicate, error) {
	runtime := wazero.NewRuntime(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compile predicate module:\n%w", err)
	}

	if _, ok := compiled.ExportedFunctions()["check"]; !ok {
		runtime.Close(ctx)
		return nil, fmt.Errorf("predicate module does not export check")
	}

	return &WASMPredicate{runtime: runtime, compiled: compiled}, nil
}

// LoadWASMPredicate reads and compiles a predicate module from disk.
func LoadWASMPredicate(ctx context.Context, path string) (*WASMPredicate, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read predicate module:\n%w", err)
	}

	return NewWASMPredicate(ctx, wasmBytes)
}

// Check instantiates the module and calls check.
// Each call gets its own instance so concurrent checks never share memory.
func (p *WASMPredicate) Check(ctx context.Context, m quality.Metrics) error {
	instance, err := p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("instantiate predicate:\n%w", err)
	}
	defer instance.Close(ctx)

	results, err := instance.ExportedFunction("check").Call(ctx,
		uint64(m.Coverage),
		uint64(scaled(m.ErrorRate, 1_000_000)),
		uint64(scaled(m.QualityScore, 1_000)),
	)
	if err != nil {
		return fmt.Errorf("call predicate:\n%w", err)
	}

	if len(results) == 0 || uint32(results[0]) == 0 {
		return ErrPredicateRejected
	}

	return nil
}

// Close releases the runtime.
func (p *WASMPredicate) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

// scaled converts a float metric to a fixed-point u32, saturating at the bounds.
func scaled(v float64, factor float64) uint32 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}

	s := math.Round(v * factor)
	if s >= math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(s)
}

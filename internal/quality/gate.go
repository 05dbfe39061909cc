package quality

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

const (
	// DefaultMinCoverage is the minimum read depth accepted by default.
	DefaultMinCoverage = 30

	// DefaultMaxErrorRate is the maximum per-base error rate accepted by default.
	DefaultMaxErrorRate = 0.001

	// DefaultMinQualityScore is the minimum Phred-scaled quality accepted by default.
	DefaultMinQualityScore = 30.0

	// MaxQualityScore bounds the quality score range.
	MaxQualityScore = 100.0
)

// Gate failures, reported in evaluation order.
var (
	ErrInsufficientCoverage = errors.New("insufficient coverage")
	ErrHighErrorRate        = errors.New("error rate too high")
	ErrLowQualityScore      = errors.New("quality score too low")
)

// ErrMalformedMetrics is returned by Metrics.Validate.
var ErrMalformedMetrics = errors.New("malformed quality metrics")

// Interval is a per-segment confidence interval.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Metrics are the quality metrics computed upstream for one sequence.
type Metrics struct {
	Coverage     uint32     `json:"coverage"`      // Coverage is the read depth
	QualityScore float64    `json:"quality_score"` // QualityScore is in [0, MaxQualityScore]
	ErrorRate    float64    `json:"error_rate"`    // ErrorRate is in [0, 1]
	Intervals    []Interval `json:"intervals"`     // Intervals are ordered per-segment bounds
}

// Validate checks structural validity, independent of any thresholds.
func (m Metrics) Validate() error {
	if math.IsNaN(m.ErrorRate) || m.ErrorRate < 0 || m.ErrorRate > 1 {
		return fmt.Errorf("%w: error rate %v outside [0,1]", ErrMalformedMetrics, m.ErrorRate)
	}

	if math.IsNaN(m.QualityScore) || m.QualityScore < 0 || m.QualityScore > MaxQualityScore {
		return fmt.Errorf("%w: quality score %v outside [0,%v]", ErrMalformedMetrics, m.QualityScore, MaxQualityScore)
	}

	for i, iv := range m.Intervals {
		if math.IsNaN(iv.Low) || math.IsNaN(iv.High) || iv.Low > iv.High {
			return fmt.Errorf("%w: interval %d has low %v > high %v", ErrMalformedMetrics, i, iv.Low, iv.High)
		}
	}

	return nil
}

// Digest returns the blake3 digest of the canonical metrics encoding.
// Layout: coverage(4) | quality(8) | error(8) | n(4) | n*(low(8) | high(8)), big-endian.
func (m Metrics) Digest() [32]byte {
	buf := make([]byte, 0, 24+16*len(m.Intervals))
	buf = binary.BigEndian.AppendUint32(buf, m.Coverage)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(m.QualityScore))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(m.ErrorRate))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Intervals)))

	for _, iv := range m.Intervals {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(iv.Low))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(iv.High))
	}

	return blake3.Sum256(buf)
}

// Gate holds the configured quality thresholds.
type Gate struct {
	MinCoverage     uint32  // MinCoverage is the minimum accepted coverage
	MaxErrorRate    float64 // MaxErrorRate is the maximum accepted error rate
	MinQualityScore float64 // MinQualityScore is the minimum accepted quality score
}

// DefaultGate returns the gate with the default thresholds.
func DefaultGate() Gate {
	return Gate{
		MinCoverage:     DefaultMinCoverage,
		MaxErrorRate:    DefaultMaxErrorRate,
		MinQualityScore: DefaultMinQualityScore,
	}
}

// Validate rejects out-of-range thresholds.
func (g Gate) Validate() error {
	if math.IsNaN(g.MaxErrorRate) || g.MaxErrorRate < 0 || g.MaxErrorRate > 1 {
		return fmt.Errorf("max error rate %v outside [0,1]", g.MaxErrorRate)
	}

	if math.IsNaN(g.MinQualityScore) || g.MinQualityScore < 0 || g.MinQualityScore > MaxQualityScore {
		return fmt.Errorf("min quality score %v outside [0,%v]", g.MinQualityScore, MaxQualityScore)
	}

	return nil
}

// Check returns nil if metrics pass, otherwise the first failing check
// in the fixed order coverage, error rate, quality score.
func (g Gate) Check(m Metrics) error {
	if m.Coverage < g.MinCoverage {
		return ErrInsufficientCoverage
	}

	if !(m.ErrorRate <= g.MaxErrorRate) {
		return ErrHighErrorRate
	}

	if !(m.QualityScore >= g.MinQualityScore) {
		return ErrLowQualityScore
	}

	return nil
}

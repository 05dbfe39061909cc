// Package registry tracks validators, their reputation, hardware and liveness.
//
// The validator map is guarded by one RWMutex; each validator has its own
// mutex so heartbeats and reputation updates for distinct keys never contend.
// Lock order is always map then entry.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"BioMod/internal/attestation"
)

var (
	ErrMaxValidatorsReached = errors.New("max validators reached")
	ErrAlreadyRegistered    = errors.New("validator already registered")
	ErrUnknownValidator     = errors.New("unknown validator")
	ErrInvalidValidator     = errors.New("invalid validator info")
)

// Authorization failures, reported by Check in evaluation order.
var (
	ErrExpired              = errors.New("validator heartbeat expired")
	ErrCoolingDown          = errors.New("validator in slashing cooldown")
	ErrLowReputation        = errors.New("reputation below floor")
	ErrInsufficientStake    = errors.New("insufficient stake")
	ErrInsufficientHardware = errors.New("insufficient hardware")
	ErrStaleCalibration     = errors.New("sequencer calibration too old")
)

// ID is a validator's ed25519 public key.
type ID = attestation.ValidatorID

// Sequencer is a sequencing instrument attested by a validator.
type Sequencer struct {
	Manufacturer    string    `json:"manufacturer"`
	Model           string    `json:"model"`
	Throughput      float64   `json:"throughput"`       // Throughput is in gigabases per run
	ErrorRate       float64   `json:"error_rate"`       // ErrorRate is the instrument's rated error rate
	LastCalibration time.Time `json:"last_calibration"` // LastCalibration is when it was last calibrated
}

// Hardware is a validator's attested hardware.
type Hardware struct {
	Cores         uint32      `json:"cores"`
	MemoryGB      uint32      `json:"memory_gb"`
	StorageTB     uint32      `json:"storage_tb"`
	BandwidthMbps uint32      `json:"bandwidth_mbps"`
	Sequencers    []Sequencer `json:"sequencers,omitempty"`
}

// meets reports whether h satisfies every minimum in floor.
func (h Hardware) meets(floor Hardware) bool {
	return h.Cores >= floor.Cores &&
		h.MemoryGB >= floor.MemoryGB &&
		h.StorageTB >= floor.StorageTB &&
		h.BandwidthMbps >= floor.BandwidthMbps
}

// ValidatorInfo is a snapshot of one validator.
type ValidatorInfo struct {
	ID                    ID                                 `json:"id"`
	BLSPubkey             [attestation.BLSPublicKeySize]byte `json:"bls_pubkey"`
	Address               string                             `json:"address"`
	Reputation            uint32                             `json:"reputation"`
	Stake                 uint64                             `json:"stake"`
	Hardware              Hardware                           `json:"hardware"`
	TotalValidations      uint64                             `json:"total_validations"`
	SuccessfulValidations uint64                             `json:"successful_validations"`
	LastHeartbeat         time.Time                          `json:"last_heartbeat"`
	CooldownUntil         time.Time                          `json:"cooldown_until"`
}

// clone returns a deep copy.
func (v ValidatorInfo) clone() ValidatorInfo {
	v.Hardware.Sequencers = slices.Clone(v.Hardware.Sequencers)
	return v
}

// Config holds registry limits and the authorization policy.
type Config struct {
	MaxValidators     int           // MaxValidators caps the registry size
	TTL               time.Duration // TTL is the heartbeat expiry
	ReputationFloor   uint32        // ReputationFloor is the minimum reputation to attest
	InitialReputation uint32        // InitialReputation is assigned on registration
	MaxReputation     uint32        // MaxReputation caps reputation growth
	SuccessStep       uint32        // SuccessStep is added per confirmed contribution
	SlashStep         uint32        // SlashStep is removed per proven-invalid attestation
	Cooldown          time.Duration // Cooldown is the ban after a slash
	MinStake          uint64        // MinStake is the minimum bonded stake
	MinHardware       Hardware      // MinHardware is the minimum attested hardware
	MaxCalibrationAge time.Duration // MaxCalibrationAge bounds sequencer calibration age, 0 disables
}

// DefaultConfig returns the default registry policy.
func DefaultConfig() Config {
	return Config{
		MaxValidators:     100,
		TTL:               5 * time.Minute,
		ReputationFloor:   10,
		InitialReputation: 50,
		MaxReputation:     1000,
		SuccessStep:       1,
		SlashStep:         50,
		Cooldown:          time.Hour,
		MinStake:          0,
		MinHardware: Hardware{
			Cores:         64,
			MemoryGB:      256,
			StorageTB:     4,
			BandwidthMbps: 1000,
		},
		MaxCalibrationAge: 30 * 24 * time.Hour,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.MaxValidators <= 0 {
		return fmt.Errorf("max validators must be positive")
	}

	if c.TTL <= 0 {
		return fmt.Errorf("validator ttl must be positive")
	}

	if c.MaxReputation == 0 || c.InitialReputation > c.MaxReputation {
		return fmt.Errorf("initial reputation %d exceeds max %d", c.InitialReputation, c.MaxReputation)
	}

	if c.SlashStep <= c.SuccessStep {
		return fmt.Errorf("slash step %d must exceed success step %d", c.SlashStep, c.SuccessStep)
	}

	if c.Cooldown < 0 || c.MaxCalibrationAge < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	return nil
}

// entry holds one validator behind its own lock.
type entry struct {
	mu      sync.Mutex    // mu serializes mutations for this key
	info    ValidatorInfo // info is the live state
	removed bool          // removed is set once the entry leaves the map
}

// Registry is the shared validator set.
type Registry struct {
	cfg     Config
	mu      sync.RWMutex  // mu protects entries
	entries map[ID]*entry // entries maps validator key to state
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config:\n%w", err)
	}

	return &Registry{cfg: cfg, entries: make(map[ID]*entry)}, nil
}

// Register adds a validator. Reputation is set to the configured initial
// value and the heartbeat to now, whatever the caller passed.
func (r *Registry) Register(info ValidatorInfo, now time.Time) error {
	if info.ID == (ID{}) || info.BLSPubkey == ([attestation.BLSPublicKeySize]byte{}) {
		return ErrInvalidValidator
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.ID]; exists {
		return ErrAlreadyRegistered
	}

	if len(r.entries) >= r.cfg.MaxValidators {
		return ErrMaxValidatorsReached
	}

	info = info.clone()
	info.Reputation = r.cfg.InitialReputation
	info.LastHeartbeat = now
	info.CooldownUntil = time.Time{}
	info.TotalValidations = 0
	info.SuccessfulValidations = 0

	r.entries[info.ID] = &entry{info: info}

	return nil
}

// Heartbeat records liveness. Heartbeats never move backward in time.
func (r *Registry) Heartbeat(id ID, now time.Time) error {
	return r.update(id, func(info *ValidatorInfo) {
		if now.After(info.LastHeartbeat) {
			info.LastHeartbeat = now
		}
	})
}

// Cleanup removes every validator whose heartbeat is older than the TTL and
// returns them ordered by key.
func (r *Registry) Cleanup(now time.Time) []ValidatorInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []ValidatorInfo

	for id, e := range r.entries {
		e.mu.Lock()
		if now.Sub(e.info.LastHeartbeat) > r.cfg.TTL {
			e.removed = true
			removed = append(removed, e.info.clone())
			delete(r.entries, id)
		}
		e.mu.Unlock()
	}

	slices.SortFunc(removed, func(a, b ValidatorInfo) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	return removed
}

// Authorize reports whether the validator may contribute attestations at now.
func (r *Registry) Authorize(id ID, now time.Time) bool {
	return r.Check(id, now) == nil
}

// Check returns nil if the validator is authorized, otherwise the first
// failing requirement.
func (r *Registry) Check(id ID, now time.Time) error {
	e := r.lookup(id)
	if e == nil {
		return ErrUnknownValidator
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ErrUnknownValidator
	}

	return r.check(&e.info, now)
}

// check evaluates the authorization policy. Caller holds the entry lock.
func (r *Registry) check(info *ValidatorInfo, now time.Time) error {
	if now.Sub(info.LastHeartbeat) > r.cfg.TTL {
		return ErrExpired
	}

	if now.Before(info.CooldownUntil) {
		return ErrCoolingDown
	}

	if info.Reputation < r.cfg.ReputationFloor {
		return ErrLowReputation
	}

	if info.Stake < r.cfg.MinStake {
		return ErrInsufficientStake
	}

	if !info.Hardware.meets(r.cfg.MinHardware) {
		return ErrInsufficientHardware
	}

	if r.cfg.MaxCalibrationAge > 0 {
		for _, s := range info.Hardware.Sequencers {
			if now.Sub(s.LastCalibration) > r.cfg.MaxCalibrationAge {
				return fmt.Errorf("%w: %s %s", ErrStaleCalibration, s.Manufacturer, s.Model)
			}
		}
	}

	return nil
}

// RecordSuccess credits a validator for a confirmed contribution.
func (r *Registry) RecordSuccess(id ID) error {
	return r.update(id, func(info *ValidatorInfo) {
		info.TotalValidations++
		info.SuccessfulValidations++
		info.Reputation = min(info.Reputation+r.cfg.SuccessStep, r.cfg.MaxReputation)
	})
}

// Slash penalizes a proven-invalid attestation. The validator enters
// cooldown, and is removed if its reputation reaches zero.
func (r *Registry) Slash(id ID, now time.Time) (bool, error) {
	e := r.lookup(id)
	if e == nil {
		return false, ErrUnknownValidator
	}

	e.mu.Lock()

	if e.removed {
		e.mu.Unlock()
		return false, ErrUnknownValidator
	}

	e.info.TotalValidations++
	e.info.CooldownUntil = now.Add(r.cfg.Cooldown)

	if e.info.Reputation > r.cfg.SlashStep {
		e.info.Reputation -= r.cfg.SlashStep
		e.mu.Unlock()

		return false, nil
	}

	e.info.Reputation = 0
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || r.entries[id] != e {
		return false, nil
	}

	e.removed = true
	delete(r.entries, id)

	return true, nil
}

// Eligible returns the keys authorized at now, ordered by key.
func (r *Registry) Eligible(now time.Time) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ID, 0, len(r.entries))

	for id, e := range r.entries {
		e.mu.Lock()
		ok := r.check(&e.info, now) == nil
		e.mu.Unlock()

		if ok {
			ids = append(ids, id)
		}
	}

	slices.SortFunc(ids, func(a, b ID) int {
		return bytes.Compare(a[:], b[:])
	})

	return ids
}

// Get returns a snapshot of one validator.
func (r *Registry) Get(id ID) (ValidatorInfo, bool) {
	e := r.lookup(id)
	if e == nil {
		return ValidatorInfo{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ValidatorInfo{}, false
	}

	return e.info.clone(), true
}

// List returns snapshots of every validator, ordered by key.
func (r *Registry) List() []ValidatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ValidatorInfo, 0, len(r.entries))

	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.info.clone())
		e.mu.Unlock()
	}

	slices.SortFunc(out, func(a, b ValidatorInfo) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	return out
}

// Len returns the number of registered validators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// lookup returns the entry for id, or nil.
func (r *Registry) lookup(id ID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.entries[id]
}

// update applies fn under the entry lock.
func (r *Registry) update(id ID, fn func(*ValidatorInfo)) error {
	e := r.lookup(id)
	if e == nil {
		return ErrUnknownValidator
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ErrUnknownValidator
	}

	fn(&e.info)

	return nil
}

// Package config loads node configuration from defaults, an optional config
// file, BIOMOD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"BioMod/internal/consensus"
	"BioMod/internal/oracle"
	"BioMod/internal/proof"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
)

// EnvPrefix prefixes every environment override, e.g. BIOMOD_CONSENSUS_THRESHOLD.
const EnvPrefix = "BIOMOD"

// Transports accepted for the remote validator boundary.
const (
	TransportQUIC = "quic"
	TransportHTTP = "http"
)

// Config holds the node configuration.
type Config struct {
	DataPath          string        `mapstructure:"data"`               // DataPath is the Pebble directory
	KeyPath           string        `mapstructure:"key"`                // KeyPath is the Ed25519 key file, generated if missing
	HTTPAddress       string        `mapstructure:"http"`               // HTTPAddress is the API listen address
	QUICAddress       string        `mapstructure:"quic"`               // QUICAddress is the validator transport listen address
	LogLevel          string        `mapstructure:"log-level"`          // LogLevel is debug, info, warn or error
	Transport         string        `mapstructure:"transport"`          // Transport is quic or http
	Advertise         string        `mapstructure:"advertise"`          // Advertise is the oracle address other nodes reach us on
	Peers             []string      `mapstructure:"peers"`              // Peers are QUIC addresses dialed at startup
	Bootstrap         []string      `mapstructure:"bootstrap"`          // Bootstrap are HTTP API addresses we register with
	Stake             uint64        `mapstructure:"stake"`              // Stake is the bonded stake we register with
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"` // HeartbeatInterval paces heartbeat broadcasts
	SweepInterval     time.Duration `mapstructure:"sweep-interval"`     // SweepInterval paces expiration and registry cleanup

	Hardware  HardwareConfig  `mapstructure:"hardware"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Proof     ProofConfig     `mapstructure:"proof"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
}

// HardwareConfig is the hardware this node attests when registering.
type HardwareConfig struct {
	Cores         uint32 `mapstructure:"cores"`
	MemoryGB      uint32 `mapstructure:"memory-gb"`
	StorageTB     uint32 `mapstructure:"storage-tb"`
	BandwidthMbps uint32 `mapstructure:"bandwidth-mbps"`
}

// QualityConfig holds the quality gate thresholds.
type QualityConfig struct {
	MinCoverage     uint32  `mapstructure:"min-coverage"`
	MaxErrorRate    float64 `mapstructure:"max-error-rate"`
	MinQualityScore float64 `mapstructure:"min-quality-score"`
}

// ProofConfig holds the proof policy.
type ProofConfig struct {
	ChunkSize     int    `mapstructure:"chunk-size"`
	Samples       int    `mapstructure:"samples"`
	MaxChunks     int    `mapstructure:"max-chunks"`
	MaxProofSize  int    `mapstructure:"max-proof-size"`
	CacheSize     int    `mapstructure:"cache-size"`
	PredicatePath string `mapstructure:"predicate"` // PredicatePath is an optional WASM quality predicate
}

// RegistryConfig holds the registry policy.
type RegistryConfig struct {
	MaxValidators     int           `mapstructure:"max-validators"`
	TTL               time.Duration `mapstructure:"ttl"`
	ReputationFloor   uint32        `mapstructure:"reputation-floor"`
	InitialReputation uint32        `mapstructure:"initial-reputation"`
	MaxReputation     uint32        `mapstructure:"max-reputation"`
	SuccessStep       uint32        `mapstructure:"success-step"`
	SlashStep         uint32        `mapstructure:"slash-step"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MinStake          uint64        `mapstructure:"min-stake"`
	MinCores          uint32        `mapstructure:"min-cores"`
	MinMemoryGB       uint32        `mapstructure:"min-memory-gb"`
	MinStorageTB      uint32        `mapstructure:"min-storage-tb"`
	MinBandwidthMbps  uint32        `mapstructure:"min-bandwidth-mbps"`
	MaxCalibrationAge time.Duration `mapstructure:"max-calibration-age"`
}

// OracleConfig holds the aggregator and validator-side handler settings.
type OracleConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt-timeout"`
	MaxAttempts    int           `mapstructure:"max-attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff"`
	MaxPolls       int           `mapstructure:"max-polls"`
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	Concurrency    int           `mapstructure:"concurrency"`
	Async          bool          `mapstructure:"async"`          // Async answers Pending and verifies in the background
	MaxJobs        int           `mapstructure:"max-jobs"`       // MaxJobs bounds remembered requests
	VerifyTimeout  time.Duration `mapstructure:"verify-timeout"` // VerifyTimeout bounds one background verification
}

// ConsensusConfig holds the consensus policy.
type ConsensusConfig struct {
	Threshold       int           `mapstructure:"threshold"`
	RoundDeadline   time.Duration `mapstructure:"round-deadline"`
	SequenceTTL     time.Duration `mapstructure:"sequence-ttl"`
	Retention       time.Duration `mapstructure:"retention"`
	MaxSequenceSize int           `mapstructure:"max-sequence-size"`
}

// Default returns the default configuration.
func Default() Config {
	gate := quality.DefaultGate()
	pc := proof.DefaultConfig()
	rc := registry.DefaultConfig()
	oc := oracle.DefaultConfig()
	hc := oracle.DefaultHandlerConfig()
	cc := consensus.DefaultConfig()

	return Config{
		DataPath:          "./data",
		HTTPAddress:       ":8080",
		QUICAddress:       ":9000",
		LogLevel:          "info",
		Transport:         TransportQUIC,
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		Hardware: HardwareConfig{
			Cores:         rc.MinHardware.Cores,
			MemoryGB:      rc.MinHardware.MemoryGB,
			StorageTB:     rc.MinHardware.StorageTB,
			BandwidthMbps: rc.MinHardware.BandwidthMbps,
		},
		Quality: QualityConfig{
			MinCoverage:     gate.MinCoverage,
			MaxErrorRate:    gate.MaxErrorRate,
			MinQualityScore: gate.MinQualityScore,
		},
		Proof: ProofConfig{
			ChunkSize:    pc.ChunkSize,
			Samples:      pc.Samples,
			MaxChunks:    pc.MaxChunks,
			MaxProofSize: pc.MaxProofSize,
			CacheSize:    pc.CacheSize,
		},
		Registry: RegistryConfig{
			MaxValidators:     rc.MaxValidators,
			TTL:               rc.TTL,
			ReputationFloor:   rc.ReputationFloor,
			InitialReputation: rc.InitialReputation,
			MaxReputation:     rc.MaxReputation,
			SuccessStep:       rc.SuccessStep,
			SlashStep:         rc.SlashStep,
			Cooldown:          rc.Cooldown,
			MinStake:          rc.MinStake,
			MinCores:          rc.MinHardware.Cores,
			MinMemoryGB:       rc.MinHardware.MemoryGB,
			MinStorageTB:      rc.MinHardware.StorageTB,
			MinBandwidthMbps:  rc.MinHardware.BandwidthMbps,
			MaxCalibrationAge: rc.MaxCalibrationAge,
		},
		Oracle: OracleConfig{
			AttemptTimeout: oc.AttemptTimeout,
			MaxAttempts:    oc.MaxAttempts,
			Backoff:        oc.Backoff,
			MaxBackoff:     oc.MaxBackoff,
			MaxPolls:       oc.MaxPolls,
			PollInterval:   oc.PollInterval,
			Concurrency:    oc.Concurrency,
			Async:          hc.Async,
			MaxJobs:        hc.MaxJobs,
			VerifyTimeout:  hc.VerifyTimeout,
		},
		Consensus: ConsensusConfig{
			Threshold:       cc.Threshold,
			RoundDeadline:   cc.RoundDeadline,
			SequenceTTL:     cc.SequenceTTL,
			Retention:       cc.Retention,
			MaxSequenceSize: cc.MaxSequenceSize,
		},
	}
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"data":      "data",
	"key":       "key",
	"http":      "http",
	"quic":      "quic",
	"log-level": "log-level",
	"transport": "transport",
	"advertise": "advertise",
	"peers":     "peers",
	"bootstrap": "bootstrap",
	"stake":     "stake",
	"threshold": "consensus.threshold",
	"predicate": "proof.predicate",
}

// AddFlags registers the node flags. Unset flags never override the file or
// the environment.
func AddFlags(flags *pflag.FlagSet) {
	def := Default()

	flags.String("config", "", "Config file (yaml, toml or json)")
	flags.String("data", def.DataPath, "Data directory path")
	flags.String("key", def.KeyPath, "Ed25519 private key path (generated if missing)")
	flags.String("http", def.HTTPAddress, "HTTP API address")
	flags.String("quic", def.QUICAddress, "QUIC validator address")
	flags.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("transport", def.Transport, "Oracle transport (quic or http)")
	flags.String("advertise", "", "Oracle address advertised to other nodes (defaults from the transport)")
	flags.StringSlice("peers", nil, "QUIC peer addresses to dial at startup")
	flags.StringSlice("bootstrap", nil, "HTTP API addresses of nodes to register with")
	flags.Uint64("stake", 0, "Bonded stake to register with")
	flags.Int("threshold", def.Consensus.Threshold, "Consensus threshold in percent")
	flags.String("predicate", "", "WASM quality predicate path")
}

// Load builds the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v, "", reflect.ValueOf(Default()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if path, _ := flags.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s:\n%w", path, err)
			}
		}

		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s:\n%w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config:\n%w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	return &cfg, nil
}

// setDefaults registers every leaf of val under its mapstructure key, so that
// environment variables resolve for keys absent from the config file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()

	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("mapstructure")
		if prefix != "" {
			key = prefix + "." + key
		}

		field := val.Field(i)
		if field.Kind() == reflect.Struct {
			setDefaults(v, key, field)
			continue
		}

		v.SetDefault(key, field.Interface())
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data path is required")
	}

	if c.Transport != TransportQUIC && c.Transport != TransportHTTP {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.HeartbeatInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat and sweep intervals must be positive")
	}

	if c.HeartbeatInterval >= c.Registry.TTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than validator ttl %s", c.HeartbeatInterval, c.Registry.TTL)
	}

	if err := c.ProofConfig().Validate(); err != nil {
		return fmt.Errorf("proof:\n%w", err)
	}

	if err := c.RegistryConfig().Validate(); err != nil {
		return fmt.Errorf("registry:\n%w", err)
	}

	if err := c.OracleConfig().Validate(); err != nil {
		return fmt.Errorf("oracle:\n%w", err)
	}

	if c.Oracle.MaxJobs <= 0 || c.Oracle.VerifyTimeout <= 0 {
		return fmt.Errorf("oracle: max jobs and verify timeout must be positive")
	}

	if err := c.ConsensusConfig().Validate(); err != nil {
		return fmt.Errorf("consensus:\n%w", err)
	}

	return nil
}

// AdvertiseAddress returns the address other nodes use for our oracle:
// the QUIC address, or the HTTP base URL when the transport is http.
func (c *Config) AdvertiseAddress() string {
	if c.Advertise != "" {
		return c.Advertise
	}

	if c.Transport == TransportHTTP {
		return "http://" + hostPort(c.HTTPAddress)
	}

	return hostPort(c.QUICAddress)
}

// NodeHardware returns the attested hardware.
func (c *Config) NodeHardware() registry.Hardware {
	return registry.Hardware{
		Cores:         c.Hardware.Cores,
		MemoryGB:      c.Hardware.MemoryGB,
		StorageTB:     c.Hardware.StorageTB,
		BandwidthMbps: c.Hardware.BandwidthMbps,
	}
}

// hostPort fills in a loopback host for listen addresses like ":8080".
func hostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}

	return addr
}

// Gate returns the quality gate.
func (c *Config) Gate() quality.Gate {
	return quality.Gate{
		MinCoverage:     c.Quality.MinCoverage,
		MaxErrorRate:    c.Quality.MaxErrorRate,
		MinQualityScore: c.Quality.MinQualityScore,
	}
}

// ProofConfig returns the proof policy. The predicate is loaded by the caller.
func (c *Config) ProofConfig() proof.Config {
	return proof.Config{
		ChunkSize:    c.Proof.ChunkSize,
		Samples:      c.Proof.Samples,
		MaxChunks:    c.Proof.MaxChunks,
		MaxProofSize: c.Proof.MaxProofSize,
		CacheSize:    c.Proof.CacheSize,
		Gate:         c.Gate(),
	}
}

// RegistryConfig returns the registry policy.
func (c *Config) RegistryConfig() registry.Config {
	r := c.Registry

	return registry.Config{
		MaxValidators:     r.MaxValidators,
		TTL:               r.TTL,
		ReputationFloor:   r.ReputationFloor,
		InitialReputation: r.InitialReputation,
		MaxReputation:     r.MaxReputation,
		SuccessStep:       r.SuccessStep,
		SlashStep:         r.SlashStep,
		Cooldown:          r.Cooldown,
		MinStake:          r.MinStake,
		MinHardware: registry.Hardware{
			Cores:         r.MinCores,
			MemoryGB:      r.MinMemoryGB,
			StorageTB:     r.MinStorageTB,
			BandwidthMbps: r.MinBandwidthMbps,
		},
		MaxCalibrationAge: r.MaxCalibrationAge,
	}
}

// OracleConfig returns the aggregator settings.
func (c *Config) OracleConfig() oracle.Config {
	o := c.Oracle

	return oracle.Config{
		AttemptTimeout: o.AttemptTimeout,
		MaxAttempts:    o.MaxAttempts,
		Backoff:        o.Backoff,
		MaxBackoff:     o.MaxBackoff,
		MaxPolls:       o.MaxPolls,
		PollInterval:   o.PollInterval,
		Concurrency:    o.Concurrency,
	}
}

// HandlerConfig returns the validator-side oracle handler settings.
func (c *Config) HandlerConfig() oracle.HandlerConfig {
	return oracle.HandlerConfig{
		Async:         c.Oracle.Async,
		MaxJobs:       c.Oracle.MaxJobs,
		VerifyTimeout: c.Oracle.VerifyTimeout,
	}
}

// ConsensusConfig returns the consensus policy.
func (c *Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		Threshold:       c.Consensus.Threshold,
		RoundDeadline:   c.Consensus.RoundDeadline,
		SequenceTTL:     c.Consensus.SequenceTTL,
		Retention:       c.Consensus.Retention,
		MaxSequenceSize: c.Consensus.MaxSequenceSize,
		Gate:            c.Gate(),
	}
}

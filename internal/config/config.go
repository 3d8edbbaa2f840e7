// Package config loads the orchestration kernel's configuration surface
// from a layered stack — defaults, an optional YAML file, then environment
// variables — using spf13/viper, the way the rest of the pack's CLI tools
// build their runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"orchestrator/internal/arbitration"
	"orchestrator/internal/pool"
	"orchestrator/internal/snapshot"
)

// BackpressureConfig mirrors pool.BackpressureConfig with YAML tags.
type BackpressureConfig struct {
	SaturationRatio float64 `yaml:"saturationRatio" mapstructure:"saturationRatio"`
	QueueDepth      int     `yaml:"queueDepth" mapstructure:"queueDepth"`
	CooldownMs      int     `yaml:"cooldownMs" mapstructure:"cooldownMs"`
}

// RetryConfig mirrors pool.RetryConfig with YAML tags.
type RetryConfig struct {
	BaseDelayMs int `yaml:"baseDelayMs" mapstructure:"baseDelayMs"`
	MaxDelayMs  int `yaml:"maxDelayMs" mapstructure:"maxDelayMs"`
	MaxAttempts int `yaml:"maxAttempts" mapstructure:"maxAttempts"`
}

// SnapshotConfig controls the Task Snapshot Store.
type SnapshotConfig struct {
	DefaultTTLMs         int `yaml:"defaultTtlMs" mapstructure:"defaultTtlMs"`
	MaxSnapshotsPerTask  int `yaml:"maxSnapshotsPerTask" mapstructure:"maxSnapshotsPerTask"`
	CleanupIntervalMs    int `yaml:"cleanupIntervalMs" mapstructure:"cleanupIntervalMs"`
}

// RegistryConfig controls the Worker Capability Registry.
type RegistryConfig struct {
	CleanupIntervalMs      int `yaml:"cleanupIntervalMs" mapstructure:"cleanupIntervalMs"`
	DefaultStaleThresholdMs int `yaml:"defaultStaleThresholdMs" mapstructure:"defaultStaleThresholdMs"`
}

// ScorerConfig controls the confidence scorer's weights and thresholds.
type ScorerConfig struct {
	Weights    arbitration.ScorerWeights `yaml:"weights" mapstructure:"weights"`
	Thresholds struct {
		High   float64 `yaml:"high" mapstructure:"high"`
		Medium float64 `yaml:"medium" mapstructure:"medium"`
		Low    float64 `yaml:"low" mapstructure:"low"`
	} `yaml:"thresholds" mapstructure:"thresholds"`
}

// ArbitrationConfig controls the Arbitration Coordinator.
type ArbitrationConfig struct {
	MinParticipants     int                `yaml:"minParticipants" mapstructure:"minParticipants"`
	ConfidenceThreshold float64            `yaml:"confidenceThreshold" mapstructure:"confidenceThreshold"`
	EscalationThreshold float64            `yaml:"escalationThreshold" mapstructure:"escalationThreshold"`
	ConsensusWeights    map[string]float64 `yaml:"consensusWeights" mapstructure:"consensusWeights"`
}

// Config is the orchestration kernel's full configuration surface, per
// spec.md's "Configuration surface" table.
type Config struct {
	MaxWorkers   int                `yaml:"maxWorkers" mapstructure:"maxWorkers"`
	Backpressure BackpressureConfig `yaml:"backpressure" mapstructure:"backpressure"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" mapstructure:"snapshot"`
	Registry     RegistryConfig     `yaml:"registry" mapstructure:"registry"`
	Arbitration  ArbitrationConfig  `yaml:"arbitration" mapstructure:"arbitration"`
	Scorer       ScorerConfig       `yaml:"scorer" mapstructure:"scorer"`

	HTTPAddr string `yaml:"httpAddr" mapstructure:"httpAddr"`
	WSAddr   string `yaml:"wsAddr" mapstructure:"wsAddr"`

	PostgresDSN string `yaml:"postgresDsn" mapstructure:"postgresDsn"`
	RedisAddr   string `yaml:"redisAddr" mapstructure:"redisAddr"`
}

// Default returns the configuration with every spec-mandated default
// populated.
func Default() Config {
	cfg := Config{
		MaxWorkers: 4,
		Backpressure: BackpressureConfig{
			SaturationRatio: 0.8,
			QueueDepth:      10,
			CooldownMs:      1000,
		},
		Retry: RetryConfig{
			BaseDelayMs: 100,
			MaxDelayMs:  1000,
			MaxAttempts: 3,
		},
		Snapshot: SnapshotConfig{
			DefaultTTLMs:        int(snapshot.DefaultTTL / time.Millisecond),
			MaxSnapshotsPerTask: snapshot.DefaultMaxSnapshotsPerTask,
			CleanupIntervalMs:   5 * 60 * 1000,
		},
		Registry: RegistryConfig{
			CleanupIntervalMs:      60 * 1000,
			DefaultStaleThresholdMs: 300 * 1000,
		},
		Arbitration: ArbitrationConfig{
			MinParticipants:     3,
			ConfidenceThreshold: 0.6,
			EscalationThreshold: 0.3,
			ConsensusWeights: map[string]float64{
				"unanimous": 1.0,
				"strong":    0.8,
				"weak":      0.6,
				"contested": 0.4,
			},
		},
		Scorer: ScorerConfig{Weights: arbitration.DefaultScorerWeights},
		HTTPAddr: ":8080",
		WSAddr:   ":8081",
	}
	cfg.Scorer.Thresholds.High = 0.8
	cfg.Scorer.Thresholds.Medium = 0.6
	cfg.Scorer.Thresholds.Low = 0.4
	return cfg
}

// Load builds a viper-backed layered configuration: defaults, then an
// optional YAML file at path (skipped if empty or missing), then
// ORCHESTRATOR_-prefixed environment variables, which take precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, statErr)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// PoolConfig projects the relevant fields into pool.Config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxWorkers: c.MaxWorkers,
		Backpressure: pool.BackpressureConfig{
			SaturationRatio: c.Backpressure.SaturationRatio,
			QueueDepth:      c.Backpressure.QueueDepth,
			CooldownMs:      c.Backpressure.CooldownMs,
		},
		Retry: pool.RetryConfig{
			BaseDelayMs: c.Retry.BaseDelayMs,
			MaxDelayMs:  c.Retry.MaxDelayMs,
			MaxAttempts: c.Retry.MaxAttempts,
		},
	}
}

// ArbitrationConfig projects the relevant fields into arbitration.Config.
func (c Config) ArbitrationConfig() arbitration.Config {
	weights := arbitration.ConsensusWeights{}
	for level, w := range c.Arbitration.ConsensusWeights {
		weights[arbitration.ConsensusLevel(level)] = w
	}
	return arbitration.Config{
		MinParticipants:     c.Arbitration.MinParticipants,
		EscalationThreshold: c.Arbitration.EscalationThreshold,
		ConsensusWeights:    weights,
		ScorerWeights:       c.Scorer.Weights,
	}
}

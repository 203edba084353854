package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PipelineConfig holds the tunable parameters for the background pipeline.
// All fields are pointers so a partial JSON file only overrides the values
// it mentions; everything else falls back to the compiled-in defaults.
type PipelineConfig struct {
	// Normalization worker params
	WorkerInterval  *string `json:"worker_interval,omitempty"` // duration string like "3s"
	WorkerBatchSize *int    `json:"worker_batch_size,omitempty"`
	StaleLease      *string `json:"stale_lease,omitempty"` // duration string like "5m"

	// Coverage aggregator params
	AggregateInterval  *string `json:"aggregate_interval,omitempty"`
	AggregateBatchSize *int    `json:"aggregate_batch_size,omitempty"`

	// Session agent params
	AgentInterval  *string `json:"agent_interval,omitempty"`
	AgentStaleness *string `json:"agent_staleness,omitempty"` // position age before a device is considered stale
}

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and stay under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial
// configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	durations := map[string]*string{
		"worker_interval":    c.WorkerInterval,
		"stale_lease":        c.StaleLease,
		"aggregate_interval": c.AggregateInterval,
		"agent_interval":     c.AgentInterval,
		"agent_staleness":    c.AgentStaleness,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.WorkerBatchSize != nil && *c.WorkerBatchSize < 1 {
		return fmt.Errorf("worker_batch_size must be at least 1, got %d", *c.WorkerBatchSize)
	}
	if c.AggregateBatchSize != nil && *c.AggregateBatchSize < 1 {
		return fmt.Errorf("aggregate_batch_size must be at least 1, got %d", *c.AggregateBatchSize)
	}

	return nil
}

func (c *PipelineConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetWorkerInterval returns the worker tick interval or the default.
func (c *PipelineConfig) GetWorkerInterval() time.Duration {
	return c.duration(c.WorkerInterval, 3*time.Second)
}

// GetWorkerBatchSize returns the worker claim batch size or the default.
func (c *PipelineConfig) GetWorkerBatchSize() int {
	if c.WorkerBatchSize == nil {
		return 25
	}
	return *c.WorkerBatchSize
}

// GetStaleLease returns the claim lease duration or the default.
func (c *PipelineConfig) GetStaleLease() time.Duration {
	return c.duration(c.StaleLease, 5*time.Minute)
}

// GetAggregateInterval returns the aggregator tick interval or the default.
func (c *PipelineConfig) GetAggregateInterval() time.Duration {
	return c.duration(c.AggregateInterval, 5*time.Second)
}

// GetAggregateBatchSize returns the aggregator cursor batch size or the default.
func (c *PipelineConfig) GetAggregateBatchSize() int {
	if c.AggregateBatchSize == nil {
		return 500
	}
	return *c.AggregateBatchSize
}

// GetAgentInterval returns the session agent tick interval or the default.
func (c *PipelineConfig) GetAgentInterval() time.Duration {
	return c.duration(c.AgentInterval, 10*time.Second)
}

// GetAgentStaleness returns the position staleness threshold or the default.
func (c *PipelineConfig) GetAgentStaleness() time.Duration {
	return c.duration(c.AgentStaleness, 60*time.Second)
}

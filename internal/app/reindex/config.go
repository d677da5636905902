// Package reindex implements background re-indexing of a single project: the
// search index is reconciled against the relational store in batches while
// users keep editing issues.
package reindex

import "fmt"

// Config tunes the re-index pipeline.
type Config struct {
	// BatchSize is the number of issues fetched and indexed per step.
	BatchSize int
	// SnapshotInitialCapacity sizes the id buffer used to collect the index snapshot.
	SnapshotInitialCapacity int
	// SnapshotGrowthFactor is the multiplier applied when the id buffer is full.
	SnapshotGrowthFactor int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:               100,
		SnapshotInitialCapacity: 1024,
		SnapshotGrowthFactor:    2,
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.SnapshotInitialCapacity < 0 {
		return fmt.Errorf("snapshot initial capacity must not be negative, got %d", c.SnapshotInitialCapacity)
	}
	if c.SnapshotGrowthFactor < 2 {
		return fmt.Errorf("snapshot growth factor must be at least 2, got %d", c.SnapshotGrowthFactor)
	}
	return nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1

	// MinBucketSize is the smallest page a store accepts
	MinBucketSize = 128
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

type Config struct {
	Version int `json:"version"`

	// StoreID identifies the store; it is assigned on creation
	StoreID string `json:"store_id"`

	// Bucket configuration
	BucketSize      int    `json:"bucket_size"`
	Canonical       bool   `json:"canonical"`
	Compression     string `json:"compression"`
	CheckBucketSize bool   `json:"check_bucket_size"`

	// Cache configuration, in buckets
	CacheSize int `json:"cache_size"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version:         CurrentManifestVersion,
		BucketSize:      32 * 1024, // 32KB
		Canonical:       true,
		Compression:     "snappy",
		CheckBucketSize: true,
		CacheSize:       16,
	}
}

// AssignStoreID gives the configuration a new random store id
func (c *Config) AssignStoreID() error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("failed to generate store id: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StoreID = id.String()
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.BucketSize < MinBucketSize {
		return fmt.Errorf("%w: bucket size must be at least %d bytes", ErrInvalidConfig, MinBucketSize)
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("%w: cache size must be positive", ErrInvalidConfig)
	}

	switch c.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.StoreID != "" {
		if _, err := uuid.Parse(c.StoreID); err != nil {
			return fmt.Errorf("%w: store id %q: %v", ErrInvalidConfig, c.StoreID, err)
		}
	}

	return nil
}

// LoadConfigFromManifest loads the configuration from the manifest file
func LoadConfigFromManifest(dir string) (*Config, error) {
	manifestPath := filepath.Join(dir, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveManifest saves the configuration to the manifest file
func (c *Config) SaveManifest(dir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dir, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Snapshot returns a copy of the configuration that is safe to read
// without locking
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:         c.Version,
		StoreID:         c.StoreID,
		BucketSize:      c.BucketSize,
		Canonical:       c.Canonical,
		Compression:     c.Compression,
		CheckBucketSize: c.CheckBucketSize,
		CacheSize:       c.CacheSize,
	}
}

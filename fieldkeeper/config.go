package fieldkeeper

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/formfill/detector"
)

// Config holds all fieldkeeper configuration.
type Config struct {
	DBPath    string         `yaml:"db_path"`
	RulesPath string         `yaml:"rules_path"`
	Cache     CacheConfig    `yaml:"cache"`
	Storage   StorageConfig  `yaml:"storage"`
	Learning  LearningConfig `yaml:"learning"`
	Detector  DetectorConfig `yaml:"detector"`
}

// CacheConfig sizes the three caches.
type CacheConfig struct {
	FieldSize      int           `yaml:"field_size"`
	FieldTTL       time.Duration `yaml:"field_ttl"`
	StorageSize    int           `yaml:"storage_size"`
	StorageTTL     time.Duration `yaml:"storage_ttl"`
	URLPatternSize int           `yaml:"url_pattern_size"`
	URLPatternTTL  time.Duration `yaml:"url_pattern_ttl"`
}

// StorageConfig controls the persistence adapter.
type StorageConfig struct {
	SyncQuota         int64         `yaml:"sync_quota"`
	LocalQuota        int64         `yaml:"local_quota"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	CompressThreshold int           `yaml:"compress_threshold"`
}

// LearningConfig controls the correction log.
type LearningConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// DetectorConfig controls classification batching and custom patterns.
type DetectorConfig struct {
	QueueWindow    time.Duration          `yaml:"queue_window"`
	QueueMaxBuffer int                    `yaml:"queue_max_buffer"`
	ExtraPatterns  []detector.PatternRule `yaml:"extra_patterns"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "formfill.db"
	}
	if c.Cache.FieldSize <= 0 {
		c.Cache.FieldSize = 256
	}
	if c.Cache.FieldTTL <= 0 {
		c.Cache.FieldTTL = 5 * time.Minute
	}
	if c.Cache.StorageSize <= 0 {
		c.Cache.StorageSize = 128
	}
	if c.Cache.StorageTTL <= 0 {
		c.Cache.StorageTTL = time.Minute
	}
	if c.Cache.URLPatternSize <= 0 {
		c.Cache.URLPatternSize = 64
	}
	if c.Cache.URLPatternTTL <= 0 {
		c.Cache.URLPatternTTL = 10 * time.Minute
	}
	if c.Detector.QueueWindow <= 0 {
		c.Detector.QueueWindow = 150 * time.Millisecond
	}
	if c.Detector.QueueMaxBuffer <= 0 {
		c.Detector.QueueMaxBuffer = 64
	}
	if c.Learning.MaxEntries <= 0 {
		c.Learning.MaxEntries = 500
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

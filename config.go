package velesdb

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// StorageMode selects how vectors are stored on disk.
type StorageMode string

const (
	// StorageFull stores raw float32 components.
	StorageFull StorageMode = "full"
	// StorageSQ8 scalar-quantizes each vector to 8-bit codes; values are
	// rounded through the per-vector scale before they are stored, so reads
	// return the rounded values.
	StorageSQ8 StorageMode = "sq8"
	// StorageBinary keeps one bit per component: 1 when the component is
	// greater than zero, otherwise 0.
	StorageBinary StorageMode = "binary"
)

// CollectionConfig describes a collection. Dimension 0 makes the
// collection metadata-only. PointCount is updated monotonically on
// upsert/delete and persisted with the rest of the config.
type CollectionConfig struct {
	Name        string      `json:"name"`
	Dimension   int         `json:"dimension"`
	Metric      string      `json:"metric"`
	StorageMode StorageMode `json:"storage_mode"`
	PointCount  uint64      `json:"point_count"`
}

func (c *CollectionConfig) normalize() {
	if c.Metric == "" {
		c.Metric = "cosine"
	}
	if c.StorageMode == "" {
		c.StorageMode = StorageFull
	}
}

func configPath(dir string) string { return filepath.Join(dir, "config.json") }

func saveConfig(dir string, cfg CollectionConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return verrors.Wrap(verrors.IO, "collection", "marshal config", err)
	}
	tmp := configPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return verrors.Wrap(verrors.IO, "collection", "write config", err)
	}
	if err := os.Rename(tmp, configPath(dir)); err != nil {
		return verrors.Wrap(verrors.IO, "collection", "rename config into place", err)
	}
	return nil
}

func loadConfig(dir string) (CollectionConfig, error) {
	var cfg CollectionConfig
	data, err := os.ReadFile(configPath(dir))
	if err != nil {
		return cfg, verrors.Wrap(verrors.IO, "collection", "read config", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, verrors.Wrap(verrors.Corruption, "collection", "parse config", err)
	}
	cfg.normalize()
	return cfg, nil
}

// applyStorageMode rounds a vector through the configured storage mode's
// quantizer, so what is stored (and later retrieved) carries exactly the
// quantization error the mode implies.
func applyStorageMode(mode StorageMode, vec []float32) []float32 {
	switch mode {
	case StorageSQ8:
		return sq8Roundtrip(vec)
	case StorageBinary:
		out := make([]float32, len(vec))
		for i, v := range vec {
			if v > 0 {
				out[i] = 1
			}
		}
		return out
	default:
		return vec
	}
}

func sq8Roundtrip(vec []float32) []float32 {
	if len(vec) == 0 {
		return vec
	}
	lo, hi := vec[0], vec[0]
	for _, v := range vec[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float32, len(vec))
	if hi == lo {
		copy(out, vec)
		return out
	}
	scale := (hi - lo) / 255
	for i, v := range vec {
		code := math.Round(float64((v - lo) / scale))
		out[i] = lo + float32(code)*scale
	}
	return out
}

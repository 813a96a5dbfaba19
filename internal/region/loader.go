package region

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// fileRegion is the on-disk shape of a region definition
type fileRegion struct {
	ID           string          `yaml:"id" toml:"id"`
	Name         string          `yaml:"name" toml:"name"`
	Endpoint     string          `yaml:"endpoint" toml:"endpoint"`
	Location     models.Location `yaml:"location" toml:"location"`
	Weight       int             `yaml:"weight" toml:"weight"`
	MaxLatencyMs int             `yaml:"max_latency_ms" toml:"max_latency_ms"`
}

// File is the top-level regions file
type File struct {
	Regions []fileRegion `yaml:"regions" toml:"regions"`
}

// LoadFile reads region definitions from a .yaml/.yml or .toml file
func LoadFile(path string) ([]models.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported regions file extension %q", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML regions document
func ParseYAML(data []byte) ([]models.Region, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return f.toRegions()
}

// ParseTOML parses a TOML regions document
func ParseTOML(data []byte) ([]models.Region, error) {
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse toml: %w", err)
	}
	return f.toRegions()
}

func (f File) toRegions() ([]models.Region, error) {
	seen := make(map[string]bool, len(f.Regions))
	regions := make([]models.Region, 0, len(f.Regions))

	for i, fr := range f.Regions {
		if fr.ID == "" {
			return nil, fmt.Errorf("%w: region #%d has no id", ErrInvalidRegion, i)
		}
		if seen[fr.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidRegion, fr.ID)
		}
		seen[fr.ID] = true

		weight := fr.Weight
		if weight == 0 {
			weight = 100
		}
		if weight < 0 {
			return nil, fmt.Errorf("%w: weight must be > 0 for %s", ErrInvalidRegion, fr.ID)
		}

		name := fr.Name
		if name == "" {
			name = fr.ID
		}

		regions = append(regions, models.Region{
			ID:         fr.ID,
			Name:       name,
			Endpoint:   strings.TrimRight(fr.Endpoint, "/"),
			Location:   fr.Location,
			Weight:     weight,
			MaxLatency: time.Duration(fr.MaxLatencyMs) * time.Millisecond,
		})
	}
	return regions, nil
}

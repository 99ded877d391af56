package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sandboxws/regfilter/pkg/connectors"
	"github.com/sandboxws/regfilter/pkg/transform"
)

// Error policies for failed batches.
const (
	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// Config is a pipeline definition, usually loaded from YAML.
type Config struct {
	Pipeline    string           `yaml:"pipeline"`
	Identifiers IdentifierConfig `yaml:"identifiers"`
	Parallelism int              `yaml:"parallelism"`
	OnError     string           `yaml:"on_error"`
	CPI         *CPIConfig       `yaml:"cpi"`
	Registries  []RegistryConfig `yaml:"registries"`

	// dir resolves relative paths; it is the directory of the config file.
	dir string
}

// IdentifierConfig lists the cohort: inline ids, a file with one id per line, or both.
type IdentifierConfig struct {
	File string   `yaml:"file"`
	IDs  []string `yaml:"ids"`
}

// CPIConfig is a consumer price index table for inflation adjustment.
type CPIConfig struct {
	Base  int32             `yaml:"base"`
	Index map[int32]float64 `yaml:"index"`
}

// Adjuster returns the configured index as a transform.Adjuster.
func (c *CPIConfig) Adjuster() transform.CPIIndex {
	return transform.CPIIndex{Base: c.Base, Index: c.Index}
}

// RegistryConfig describes one registry: where it is read from, how it is
// linked to the cohort, what is selected and where the result is written.
type RegistryConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Columns  []string `yaml:"columns"`
	IDColumn string   `yaml:"id_column"`

	// Synthetic reads generated data instead of Path.
	Synthetic *connectors.Cohort `yaml:"synthetic"`

	Join *JoinConfig `yaml:"join"`

	// Where is a SQL condition; Filter is an expression tree in the JSON
	// wire form. Both may be given and are ANDed.
	Where  string         `yaml:"where"`
	Filter map[string]any `yaml:"filter"`

	Transforms []TransformConfig `yaml:"transforms"`
	Sink       SinkConfig        `yaml:"sink"`
}

// JoinConfig filters a registry through the surviving rows of its parent.
type JoinConfig struct {
	Parent string `yaml:"parent"`
	Column string `yaml:"column"`
}

// TransformConfig is one step applied to selected rows. Which fields are
// used depends on Kind.
type TransformConfig struct {
	Kind    string            `yaml:"kind"`
	Column  string            `yaml:"column"`
	Columns []string          `yaml:"columns"`
	Start   string            `yaml:"start"`
	End     string            `yaml:"end"`
	Factor  float64           `yaml:"factor"`
	Mapping map[string]string `yaml:"mapping"`
	Year    string            `yaml:"year"`
	Where   string            `yaml:"where"`
}

// SinkConfig selects the output of a registry.
type SinkConfig struct {
	Kind    string   `yaml:"kind"`
	Path    string   `yaml:"path"`
	MaxRows int      `yaml:"max_rows"`
	Topic   string   `yaml:"topic"`
	Brokers []string `yaml:"brokers"`
	Format  string   `yaml:"format"`
	KeyBy   []string `yaml:"key_by"`
}

// LoadConfig reads a YAML pipeline file. Relative paths in the file are
// resolved against its directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// ParseConfig decodes a YAML pipeline definition. Unknown fields are an error.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OnError == "" {
		c.OnError = OnErrorAbort
	}
	for i := range c.Registries {
		r := &c.Registries[i]
		if r.IDColumn == "" && r.Join == nil {
			r.IDColumn = "PNR"
		}
		if r.Sink.Kind == "" {
			r.Sink.Kind = "console"
		}
	}
}

// resolve returns p relative to the config file directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Registry returns the named registry config.
func (c *Config) Registry(name string) (*RegistryConfig, bool) {
	for i := range c.Registries {
		if c.Registries[i].Name == name {
			return &c.Registries[i], true
		}
	}
	return nil, false
}

// LoadIdentifiers returns the inline identifiers followed by those in the
// identifier file. Blank lines and lines starting with '#' are skipped.
func (c *Config) LoadIdentifiers() ([]string, error) {
	ids := append([]string(nil), c.Identifiers.IDs...)
	if c.Identifiers.File == "" {
		return ids, nil
	}

	path := c.resolve(c.Identifiers.File)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("identifiers: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("identifiers: read %s: %w", path, err)
	}
	return ids, nil
}

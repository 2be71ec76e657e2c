// Package config loads the control plane configuration: server address,
// the tier table, the cell catalog, the product registry, and health
// thresholds. Configuration is YAML with built-in defaults; a missing file
// runs the defaults unchanged.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/policy"
	"github.com/idpcell/controlplane/product"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	// Host is the bind address. Overridden by IDP_HOST.
	Host string `yaml:"host"`

	// Port is the listen port. Overridden by IDP_PORT.
	Port int `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HealthConfig tunes the per-provider circuit breakers.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker. Zero selects the default.
	FailureThreshold int `yaml:"failureThreshold"`

	// CooldownSeconds is how long an open breaker waits before admitting a
	// probe. Zero selects the default.
	CooldownSeconds int `yaml:"cooldownSeconds"`
}

// CellConfig is one named cell with its candidate pool.
type CellConfig struct {
	// Name is the cell identifier developers target.
	Name string `yaml:"name"`

	// Candidates is the cell's provider/region pool.
	Candidates []model.Candidate `yaml:"candidates"`
}

// StoreConfig configures the optional durable state store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables persistence and the
	// control plane runs purely in memory. Overridden by IDP_DB.
	Path string `yaml:"path"`
}

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Health HealthConfig `yaml:"health"`
	Store  StoreConfig  `yaml:"store"`

	// Tiers replaces the built-in tier table when non-empty.
	Tiers []policy.TierSpec `yaml:"tiers"`

	// Cells replaces the built-in cell catalog when non-empty.
	Cells []CellConfig `yaml:"cells"`

	// Products replaces the built-in product catalog when non-empty.
	Products []product.Definition `yaml:"products"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults directly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() error {
	if host := os.Getenv("IDP_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("IDP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("config: IDP_PORT %q is not a number", port)
		}
		c.Server.Port = p
	}
	if db := os.Getenv("IDP_DB"); db != "" {
		c.Store.Path = db
	}
	return nil
}

// TierTable builds the tier table, falling back to the built-in tiers.
func (c *Config) TierTable() (*policy.Table, error) {
	specs := c.Tiers
	if len(specs) == 0 {
		specs = policy.DefaultTiers()
	}
	return policy.NewTable(specs)
}

// Catalog builds the cell catalog, falling back to the built-in cells.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	if len(c.Cells) == 0 {
		return catalog.New(catalog.DefaultCells(), []string{"payments"})
	}
	cells := make(map[string][]model.Candidate, len(c.Cells))
	order := make([]string, 0, len(c.Cells))
	for _, cell := range c.Cells {
		if cell.Name == "" {
			return nil, fmt.Errorf("config: cell with empty name")
		}
		cells[cell.Name] = cell.Candidates
		order = append(order, cell.Name)
	}
	return catalog.New(cells, order)
}

// Products builds the product registry, falling back to the built-ins.
func (c *Config) ProductRegistry() (*product.Registry, error) {
	defs := c.Products
	if len(defs) == 0 {
		defs = product.Defaults()
	}
	reg := product.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return reg, nil
}

// HealthRegistry builds the provider health registry from the breaker
// tuning.
func (c *Config) HealthRegistry() *health.Registry {
	return health.NewRegistry(c.Health.FailureThreshold, time.Duration(c.Health.CooldownSeconds)*time.Second)
}

package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// defaultCatalog lists the service names known to the trading platform.
// Deployments override it with a YAML catalog file.
var defaultCatalog = []string{
	"api-gateway-service",
	"financial-scrapper-service",
	"market-data-service",
	"message-broker-service",
	"notification-service",
	"trade-engine-service",
	"wallet-service",
}

// Catalog is the closed set of service names the registry accepts.
type Catalog struct {
	names map[string]struct{}
}

// NewCatalog builds a catalog from an explicit name list. An empty list
// falls back to the built-in default.
func NewCatalog(names []string) *Catalog {
	if len(names) == 0 {
		names = defaultCatalog
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &Catalog{names: set}
}

// catalogFile is the on-disk YAML shape.
type catalogFile struct {
	Services []string `yaml:"services"`
}

// LoadCatalog reads a YAML catalog file of the form:
//
//	services:
//	  - wallet-service
//	  - trade-engine-service
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("catalog: %s lists no services", path)
	}
	return NewCatalog(file.Services), nil
}

// Allows reports whether name is in the catalog.
func (c *Catalog) Allows(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns the catalog entries in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

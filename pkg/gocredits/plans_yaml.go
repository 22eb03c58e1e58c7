package gocredits

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseCatalog decodes a YAML catalog document and validates it.
// Unknown keys are rejected so typos in plan fields fail at startup.
func ParseCatalog(data []byte) (*PlanCatalog, error) {
	var cfg CatalogConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	return NewPlanCatalog(cfg)
}

// LoadCatalogFile reads and validates a YAML catalog from path
func LoadCatalogFile(path string) (*PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

package schema

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// File is the on-disk schema document. YAML and JSON are both accepted.
type File struct {
	Tables []Table      `json:"tables"`
	Joins  []JoinConfig `json:"joins,omitempty"`
}

// Parse builds a catalog from a YAML or JSON schema document.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return NewCatalog(f.Tables, f.Joins)
}

// LoadFile reads and parses a schema file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Marshal renders the catalog back into schema file form.
func Marshal(c *Catalog) ([]byte, error) {
	f := File{Joins: c.joins}
	for _, t := range c.tables {
		f.Tables = append(f.Tables, *t)
	}
	return yaml.Marshal(f)
}

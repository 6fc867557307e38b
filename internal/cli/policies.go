package cli

import (
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"
)

// LoadPolicies reads a policies file: a YAML or JSON object mapping table
// names to policies. An empty path returns nil, meaning unrestricted.
func LoadPolicies(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policies file: %w", err)
	}
	var policies map[string]any
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if policies == nil {
		policies = map[string]any{}
	}
	return policies, nil
}

// ReadRequest reads a request document (filter, params, payload) from a
// file, or from stdin when path is "-". The document may be YAML or JSON.
func ReadRequest(path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	var req map[string]any
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	return req, nil
}

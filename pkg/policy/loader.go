package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a policy definition file.
//
// The format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. An unrecognized extension tries YAML first, then JSON. The file
// must contain the typed envelope form { "policy": { ... } }.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy file not found: %s", path)
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a policy definition from raw bytes.
// The path parameter drives format detection and error messages.
func LoadFromBytes(data []byte, path string) (*Policy, error) {
	if len(data) == 0 {
		return nil, errors.New("policy file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(jsonData, id, 0, 0)
}

// toJSON normalizes YAML or JSON input to JSON bytes.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", path)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		if out, err := yamlToJSON(data); err == nil {
			return out, nil
		}
		if json.Valid(data) {
			return data, nil
		}
		return nil, fmt.Errorf("policy file %s is neither valid YAML nor JSON", path)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("convert YAML to JSON: %w", err)
	}
	return out, nil
}

package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk layout shared by the YAML and TOML encodings.
type fileDoc struct {
	Rules []Rule `yaml:"rules" toml:"rules"`
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadFile reads a rules file. A missing file yields an empty list.
func LoadFile(path string) ([]Rule, error) {
	body, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator configuration
	if errors.Is(err, fs.ErrNotExist) {
		return []Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	list, err := Decode(path, body)
	if err != nil {
		return nil, err
	}
	if err := Validate(list); err != nil {
		return nil, err
	}
	return list, nil
}

// Decode parses body using the encoding implied by path's extension.
func Decode(path string, body []byte) ([]Rule, error) {
	var doc fileDoc
	if isTOML(path) {
		if err := toml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse rules toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse rules yaml: %w", err)
		}
	}
	if doc.Rules == nil {
		doc.Rules = []Rule{}
	}
	return doc.Rules, nil
}

// Encode renders list using the encoding implied by path's extension.
func Encode(path string, list []Rule) ([]byte, error) {
	doc := fileDoc{Rules: list}
	if isTOML(path) {
		b, err := toml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode rules toml: %w", err)
		}
		return b, nil
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode rules yaml: %w", err)
	}
	return b, nil
}

// SaveFile validates and atomically writes list to path.
func SaveFile(path string, list []Rule) error {
	if err := Validate(list); err != nil {
		return err
	}
	body, err := Encode(path, list)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create rules dir: %w", err)
		}
	}
	return writeAtomic(path, body)
}

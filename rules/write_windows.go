//go:build windows

package rules

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic replaces path with body via a sibling temp file. renameio has no
// Windows support, so this is the plain temp+rename sequence.
func writeAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp rules file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp rules file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp rules file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

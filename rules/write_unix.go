//go:build !windows

package rules

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// writeAtomic replaces path with body: temp file, fsync, rename.
func writeAtomic(path string, body []byte) error {
	if err := renameio.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	return nil
}

// Package filex has small filesystem helpers shared by the stores.
package filex

import (
	"fmt"
	"os"
)

// EnsureDir creates dir and any missing parents. Created directories are
// private to the current user: they hold key material, backups and cached
// payloads.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filex: mkdir %s: %w", dir, err)
	}
	return nil
}

// Package state provides filesystem and SQLite backed storage implementations.
package state

import (
	"fmt"
	"os"

	"github.com/user/cua/internal/types"
)

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.EventStore = (*SQLiteEventStore)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)

// writeAtomic replaces path with data through a temp file and a rename, so
// readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

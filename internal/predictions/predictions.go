// Package predictions writes the per-fold filename-to-label maps the
// run produces and checks existing ones when resuming.
package predictions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Map holds one fold's predictions: held-out filename to label.
type Map map[string]string

// Path returns the output location for one (class, fold) pair.
func Path(dir, class string, fold int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_split_%d.json", class, fold))
}

// WriteFile serializes the map as JSON at path, replacing any existing
// file. The write goes through a uniquely named temp file in the same
// directory so a crash never leaves a truncated output behind.
func (m Map) WriteFile(path string) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("predictions: %w", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("predictions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("predictions: %w", err)
	}
	return nil
}

// ReadFile parses a previously written prediction file.
func ReadFile(path string) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("predictions: %w", err)
	}
	var m Map
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("predictions: %s: %w", path, err)
	}
	return m, nil
}

// WellFormed reports whether path holds a parseable prediction file.
// Used by resume to decide whether a (class, fold) unit can be skipped.
func WellFormed(path string) bool {
	m, err := ReadFile(path)
	return err == nil && m != nil
}

// Package manifest reads the CSV split files that define one fold of a
// cross-validation run. Each file lists image filenames, their label,
// and whether the row is held out for validation in that fold.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrMissingColumn reports a manifest whose header lacks one of the
// required columns (fname, label, is_valid).
var ErrMissingColumn = errors.New("manifest: missing required column")

// Row is one line of a split manifest.
type Row struct {
	Fname string
	Label string
	Valid bool
}

// Manifest is a parsed {class}_split_{fold}.csv file.
type Manifest struct {
	Path string
	Rows []Row
}

// Path returns the manifest location for one (class, fold) pair.
func Path(dir, class string, fold int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_split_%d.csv", class, fold))
}

// Read parses the manifest at path. The header must contain fname,
// label, and is_valid columns; other columns are ignored.
func Read(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("manifest %s: empty file", path)
	}

	cols := map[string]int{}
	for i, name := range records[0] {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"fname", "label", "is_valid"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %q in %s", ErrMissingColumn, required, path)
		}
	}

	m := &Manifest{Path: path}
	for i, rec := range records[1:] {
		valid, err := parseBool(rec[cols["is_valid"]])
		if err != nil {
			return nil, fmt.Errorf("manifest %s row %d: %w", path, i+1, err)
		}
		m.Rows = append(m.Rows, Row{
			Fname: rec[cols["fname"]],
			Label: rec[cols["label"]],
			Valid: valid,
		})
	}
	return m, nil
}

// Training returns the rows used to fit the model for this fold.
func (m *Manifest) Training() []Row {
	var rows []Row
	for _, r := range m.Rows {
		if !r.Valid {
			rows = append(rows, r)
		}
	}
	return rows
}

// Validation returns the held-out rows for this fold, in file order.
func (m *Manifest) Validation() []Row {
	var rows []Row
	for _, r := range m.Rows {
		if r.Valid {
			rows = append(rows, r)
		}
	}
	return rows
}

// Vocabulary returns the sorted set of labels seen anywhere in the
// manifest. Both partitions contribute so the label space is stable
// across folds.
func (m *Manifest) Vocabulary() []string {
	seen := map[string]bool{}
	var vocab []string
	for _, r := range m.Rows {
		if !seen[r.Label] {
			seen[r.Label] = true
			vocab = append(vocab, r.Label)
		}
	}
	sort.Strings(vocab)
	return vocab
}

// parseBool accepts the spellings pandas and fastai write for the
// is_valid column.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes":
		return true, nil
	case "false", "f", "0", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized is_valid value %q", s)
}

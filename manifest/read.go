package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNoManifest is returned when a directory holds no manifest unit.
var ErrNoManifest = errors.New("no mailbag manifest found")

// Record is one manifest row keyed by header label.
type Record map[string]string

// Files returns the manifest units of a mailbag directory in unit order.
func Files(dir string) ([]string, error) {
	single := filepath.Join(dir, baseName+".csv")
	if _, err := os.Stat(single); err == nil {
		return []string{single}, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, baseName+"-*.csv"))
	if err != nil {
		return nil, err
	}
	type unit struct {
		n    int
		path string
	}
	var units []unit
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), baseName+"-"), ".csv")
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 1 {
			continue
		}
		units = append(units, unit{n, m})
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].n < units[j].n })

	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.path
	}
	return paths, nil
}

// Read calls fn for every data row of the manifest unit at path.
func Read(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read manifest header %s: %w", path, err)
	}
	r.FieldsPerRecord = len(header)

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read manifest %s: %w", path, err)
		}
		rec := make(Record, len(header))
		for i, label := range header {
			rec[label] = row[i]
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

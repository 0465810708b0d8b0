// Package manifest writes the per-message metadata table of a mailbag.
//
// Rows are kept in units of bounded size. A run that fits in a single unit is
// written as mailbag.csv, otherwise every unit is written as mailbag-<N>.csv.
package manifest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mailbag/model"
)

// DefaultThreshold is the row count after which a unit is sealed.
const DefaultThreshold = 100000

const baseName = "mailbag"

// Header is the fixed column order of every unit.
var Header = []string{
	"Error",
	"Mailbag-Message-ID",
	"Message-ID",
	"Original-File",
	"Message-Path",
	"Derivatives-Path",
	"Attachments",
	"Date",
	"From",
	"To",
	"Cc",
	"Bcc",
	"Subject",
	"Content_Type",
}

// Row returns the manifest row of msg. Missing values are empty fields.
func Row(msg *model.Message) []string {
	return []string{
		strings.Join(msg.Errors.Messages, " "),
		strconv.Itoa(msg.SequenceID),
		msg.SourceMessageID,
		msg.OriginalFile,
		msg.MessagePath,
		msg.DerivativesPath,
		strconv.Itoa(msg.AttachmentCount()),
		msg.Date,
		msg.From,
		msg.To,
		msg.Cc,
		msg.Bcc,
		msg.Subject,
		msg.ContentType,
	}
}

// Writer accumulates rows in order and writes them out on Flush.
//
// A row is appended to the current unit while that unit holds no more than
// threshold rows. The row arriving after that seals the unit and starts the
// next one, so a full unit holds threshold+1 rows.
type Writer struct {
	threshold int
	units     [][][]string
	count     int
	rows      int
}

// NewWriter returns a Writer. A threshold below one selects DefaultThreshold.
func NewWriter(threshold int) *Writer {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Writer{threshold: threshold, units: [][][]string{nil}}
}

// Add appends row to the current unit.
func (w *Writer) Add(row []string) {
	if w.count > w.threshold {
		w.units = append(w.units, nil)
		w.count = 0
	}
	last := len(w.units) - 1
	w.units[last] = append(w.units[last], row)
	w.count++
	w.rows++
}

// Units returns the number of units produced so far. It is at least one.
func (w *Writer) Units() int { return len(w.units) }

// Rows returns the total number of rows added.
func (w *Writer) Rows() int { return w.rows }

// UnitRows returns the number of rows in each unit.
func (w *Writer) UnitRows() []int {
	counts := make([]int, len(w.units))
	for i, u := range w.units {
		counts[i] = len(u)
	}
	return counts
}

// FileName returns the file name of unit i (zero based) out of n units.
func FileName(i, n int) string {
	if n == 1 {
		return baseName + ".csv"
	}
	return fmt.Sprintf("%s-%d.csv", baseName, i+1)
}

// Flush writes every unit below dir and returns the written paths. The last
// unit is written even when it holds no rows.
func (w *Writer) Flush(dir string) ([]string, error) {
	paths := make([]string, 0, len(w.units))
	for i, unit := range w.units {
		path := filepath.Join(dir, FileName(i, len(w.units)))
		if err := writeUnit(path, unit); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeUnit(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest %s: %w", path, err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(Header); err != nil {
		file.Close()
		return fmt.Errorf("write manifest header %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		file.Close()
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close manifest %s: %w", path, err)
	}
	return nil
}

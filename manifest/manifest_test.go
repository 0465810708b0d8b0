package manifest

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/dhcgn/mailbag/model"
)

func TestRow(t *testing.T) {
	msg := &model.Message{
		SequenceID:      3,
		SourceMessageID: "<abc@example.com>",
		OriginalFile:    "archive.mbox",
		MessagePath:     "Inbox",
		DerivativesPath: "archive/Inbox",
		Subject:         "hello, world",
		Attachments:     []model.Attachment{{Name: "a.txt"}, {Name: "b.txt"}},
		Errors:          model.Errors{Messages: []string{"first", "second"}},
	}

	row := Row(msg)
	if len(row) != len(Header) {
		t.Fatalf("row has %d columns, header %d", len(row), len(Header))
	}
	want := map[string]string{
		"Error":              "first second",
		"Mailbag-Message-ID": "3",
		"Message-ID":         "<abc@example.com>",
		"Attachments":        "2",
		"Subject":            "hello, world",
		"Cc":                 "",
	}
	for i, label := range Header {
		if v, ok := want[label]; ok && row[i] != v {
			t.Errorf("%s = %q, want %q", label, row[i], v)
		}
	}
}

func TestWriterUnits(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		rows      int
		want      []int
	}{
		{name: "empty", threshold: 3, rows: 0, want: []int{0}},
		{name: "below", threshold: 3, rows: 3, want: []int{3}},
		{name: "threshold plus one stays", threshold: 3, rows: 4, want: []int{4}},
		{name: "rollover", threshold: 3, rows: 5, want: []int{4, 1}},
		{name: "three units", threshold: 3, rows: 9, want: []int{4, 4, 1}},
		{name: "default", threshold: 0, rows: 150000, want: []int{100001, 49999}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter(tt.threshold)
			for i := 0; i < tt.rows; i++ {
				w.Add([]string{strconv.Itoa(i + 1)})
			}
			got := w.UnitRows()
			if len(got) != len(tt.want) {
				t.Fatalf("units = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("units = %v, want %v", got, tt.want)
					break
				}
			}
			if w.Rows() != tt.rows {
				t.Errorf("Rows() = %d, want %d", w.Rows(), tt.rows)
			}
		})
	}
}

func TestFlushSingle(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(10)
	w.Add(Row(&model.Message{SequenceID: 1, Subject: "a"}))

	paths, err := w.Flush(dir)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "mailbag.csv" {
		t.Fatalf("paths = %v", paths)
	}

	file, err := os.Open(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0][0] != "Error" || records[1][1] != "1" {
		t.Errorf("records = %v", records)
	}
}

func TestFlushEmpty(t *testing.T) {
	dir := t.TempDir()
	paths, err := NewWriter(0).Flush(dir)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("paths = %v", paths)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("empty run must still write the header")
	}
}

func TestFlushMultipleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(2)
	for i := 1; i <= 7; i++ {
		w.Add(Row(&model.Message{SequenceID: i}))
	}
	if _, err := w.Flush(dir); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mailbag.csv")); !os.IsNotExist(err) {
		t.Error("mailbag.csv must not exist when there are several units")
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(files) != 3 || filepath.Base(files[2]) != "mailbag-3.csv" {
		t.Fatalf("files = %v", files)
	}

	next := 1
	for _, f := range files {
		err := Read(f, func(rec Record) error {
			if rec["Mailbag-Message-ID"] != strconv.Itoa(next) {
				t.Errorf("row %d has id %q", next, rec["Mailbag-Message-ID"])
			}
			next++
			return nil
		})
		if err != nil {
			t.Fatalf("Read(%s) error = %v", f, err)
		}
	}
	if next != 8 {
		t.Errorf("read %d rows, want 7", next-1)
	}
}

func TestFilesMissing(t *testing.T) {
	if _, err := Files(t.TempDir()); err == nil {
		t.Error("expected ErrNoManifest")
	}
}

func BenchmarkRow(b *testing.B) {
	msg := &model.Message{
		SequenceID: 42,
		Subject:    "benchmark",
		From:       "a@example.com",
		Errors:     model.Errors{Messages: []string{"x", "y"}},
	}
	w := NewWriter(0)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w.Add(Row(msg))
	}
}

package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbag/bagit"
	"github.com/dhcgn/mailbag/filter"
	"github.com/dhcgn/mailbag/manifest"
	"github.com/dhcgn/mailbag/stats"
)

var trackedColumns = []string{"From", "To", "Subject", "Message-Path"}

type inspectOptions struct {
	reportDir string
	topN      int
	include   []string
	exclude   []string
	validate  bool
}

// Report is the aggregate of a mailbag's manifest.
type Report struct {
	Messages    int
	Skipped     int
	WithErrors  int
	Attachments int
	Counts      map[string]map[string]int
}

// NewInspectCommand returns the command that summarizes an existing mailbag.
func NewInspectCommand() *cobra.Command {
	var opts inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect [mailbag directory]",
		Short: "Show statistics of a mailbag and optionally verify its checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", "", "Output directory for CSV reports (none when empty)")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display per column")
	cmd.Flags().StringArrayVar(&opts.include, "include", nil, "Column=regex allow-list applied to manifest rows (mutually exclusive with --exclude)")
	cmd.Flags().StringArrayVar(&opts.exclude, "exclude", nil, "Column=regex block-list applied to manifest rows (mutually exclusive with --include)")
	cmd.Flags().BoolVar(&opts.validate, "validate", false, "Verify the payload checksums of the bag")
	return cmd
}

func runInspect(cmd *cobra.Command, dir string, opts inspectOptions) error {
	out := cmd.OutOrStdout()

	f, err := filter.New(filter.Options{Include: opts.include, Exclude: opts.exclude}, manifest.Header)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	report, err := Inspect(dir, f)
	if err != nil {
		return err
	}
	printReport(out, report, f, opts.topN)

	if opts.reportDir != "" {
		if err := saveCSVReports(report.Counts, trackedColumns, opts.reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
	}

	if opts.validate {
		if err := bagit.Validate(cmd.Context(), dir); err != nil {
			return err
		}
		fmt.Fprintln(out, "\nBag is valid")
	}
	return nil
}

// Inspect aggregates every manifest unit of the mailbag at dir. Records
// rejected by f are counted as skipped.
func Inspect(dir string, f *filter.Filter) (Report, error) {
	files, err := manifest.Files(dir)
	if err != nil {
		return Report{}, err
	}

	report := Report{Counts: make(map[string]map[string]int)}
	for _, c := range trackedColumns {
		report.Counts[c] = make(map[string]int)
	}

	for _, file := range files {
		err := manifest.Read(file, func(rec manifest.Record) error {
			if f != nil && !f.Allows(rec) {
				report.Skipped++
				return nil
			}
			report.Messages++
			if rec["Error"] != "" {
				report.WithErrors++
			}
			if n, err := strconv.Atoi(rec["Attachments"]); err == nil {
				report.Attachments += n
			}
			for _, c := range trackedColumns {
				if v := rec[c]; v != "" {
					report.Counts[c][v]++
				}
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func printReport(w io.Writer, report Report, f *filter.Filter, topN int) {
	total := report.Messages + report.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(report.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Messages: %d (skipped %d by filters, %.2f%%)\n", report.Messages, report.Skipped, filterPercent)
	fmt.Fprintf(w, "Messages with errors: %d\n", report.WithErrors)
	fmt.Fprintf(w, "Attachments: %d\n\n", report.Attachments)

	if f != nil && f.Active() {
		fmt.Fprintln(w, "Filters:")
		for _, h := range f.Hits() {
			mark := "✓"
			if h.Count == 0 {
				mark = "✗"
			}
			fmt.Fprintf(w, "  %s %s: %d hits\n", mark, h.Rule, h.Count)
		}
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, c := range trackedColumns {
		fmt.Fprintf(w, "Top %d %s:\n", topN, c)
		stats.PrintTop(w, report.Counts[c], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, columns []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, column := range columns {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeColumnName(column)))
		if err := writeCounts(filePath, counter[column], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCounts(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	type pair struct {
		Key   string
		Value int
	}
	pairs := make([]pair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for i := 0; i < limit && i < len(pairs); i++ {
		if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeColumnName(column string) string {
	name := strings.ToLower(column)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// Package account defines the contract shared by every source format reader.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/mailbag/model"
)

// Record is one unit of discovered source data: a file for file based formats, a
// mailbox for IMAP.
type Record struct {
	// Path is the absolute location of the record.
	Path string
	// Rel is Path relative to the input root, "" when the input is the record.
	Rel string
}

// EmitFunc receives each parsed message. Returning an error stops parsing.
type EmitFunc func(*model.Message) error

// Reader is implemented by every source format.
type Reader interface {
	// Discover lists the records in the order their messages are produced.
	Discover(ctx context.Context) ([]Record, error)
	// Parse emits every message of rec. Per-message failures are recorded on the
	// message; a returned error is fatal for the run.
	Parse(ctx context.Context, rec Record, emit EmitFunc) error
}

// Counter is implemented by readers that can count messages up front.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Options is shared by all reader constructors.
type Options struct {
	// Path is the input file or directory.
	Path string
	// MailbagDir is the root of the mailbag being assembled.
	MailbagDir string
	DryRun     bool
}

// Stream discovers all records of r and sends their messages to out in order.
func Stream(ctx context.Context, r Reader, out chan<- model.Envelope, logger *slog.Logger) error {
	records, err := r.Discover(ctx)
	if err != nil {
		return emitError(ctx, out, fmt.Errorf("discover: %w", err), logger)
	}
	if logger != nil {
		logger.Debug("discovered records", "count", len(records))
	}

	for _, rec := range records {
		err := r.Parse(ctx, rec, func(msg *model.Message) error {
			return emit(ctx, out, model.Envelope{Message: msg})
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return emitError(ctx, out, fmt.Errorf("parse %s: %w", rec.Path, err), logger)
		}
	}
	return nil
}

func emitError(ctx context.Context, out chan<- model.Envelope, err error, logger *slog.Logger) error {
	if logger != nil {
		logger.Error("account stream error", "err", err)
	}
	return emit(ctx, out, model.Envelope{Err: err})
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// FindFiles returns the files below opts.Path with the given extension, sorted,
// skipping the mailbag being assembled. A single file input is returned as is.
func FindFiles(opts Options, ext string) ([]Record, error) {
	root, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []Record{{Path: root, Rel: filepath.Base(root)}}, nil
	}

	skip := ""
	if opts.MailbagDir != "" {
		if skip, err = filepath.Abs(opts.MailbagDir); err != nil {
			return nil, err
		}
	}

	var records []Record
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		records = append(records, Record{Path: path, Rel: rel})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Rel < records[j].Rel })
	return records, nil
}

// InputRoot returns the directory relative paths are computed against.
func InputRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return abs, nil
	}
	return filepath.Dir(abs), nil
}

// Package eml reads directories of single-message .eml files.
package eml

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/model"
	"github.com/dhcgn/mailbag/parse"
	"github.com/dhcgn/mailbag/paths"
)

// Format is the identifier of this reader.
const Format = "eml"

const extension = ".eml"

type Reader struct {
	opts   account.Options
	root   string
	logger *slog.Logger
}

func NewReader(opts account.Options, logger *slog.Logger) (*Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("eml path is empty")
	}
	root, err := account.InputRoot(path)
	if err != nil {
		return nil, fmt.Errorf("eml input: %w", err)
	}
	return &Reader{opts: opts, root: root, logger: logger}, nil
}

func (r *Reader) Discover(ctx context.Context) ([]account.Record, error) {
	return account.FindFiles(r.opts, extension)
}

func (r *Reader) Parse(ctx context.Context, rec account.Record, emit account.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := r.read(rec)
	if err := emit(msg); err != nil {
		return err
	}

	if r.opts.DryRun {
		return nil
	}
	dst := paths.Destination(r.opts.MailbagDir, Format, rec.Rel)
	if err := paths.Move(rec.Path, dst, r.root, r.logger); err != nil {
		return fmt.Errorf("move eml: %w", err)
	}
	return nil
}

func (r *Reader) read(rec account.Record) *model.Message {
	var msg *model.Message

	file, err := os.Open(rec.Path)
	if err != nil {
		msg = &model.Message{}
		msg.AddError(r.logger, err, "Error opening eml file")
	} else {
		msg = parse.Message(file, r.logger)
		file.Close()
	}

	msg.OriginalFile = rec.Rel
	msg.DerivativesPath = paths.Normalize(filepath.ToSlash(filepath.Join(filepath.Dir(rec.Rel), msg.MessagePath)))
	return msg
}

// Count returns the number of .eml files; each holds one message.
func (r *Reader) Count(ctx context.Context) (int, error) {
	records, err := r.Discover(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

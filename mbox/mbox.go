package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/model"
	"github.com/dhcgn/mailbag/parse"
	"github.com/dhcgn/mailbag/paths"
)

// Format is the identifier of this reader.
const Format = "mbox"

const extension = ".mbox"

// Reader reads every mbox file below the input path.
type Reader struct {
	opts   account.Options
	root   string
	logger *slog.Logger
}

func NewReader(opts account.Options, logger *slog.Logger) (*Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	root, err := account.InputRoot(path)
	if err != nil {
		return nil, fmt.Errorf("mbox input: %w", err)
	}
	return &Reader{opts: opts, root: root, logger: logger}, nil
}

func (r *Reader) Discover(ctx context.Context) ([]account.Record, error) {
	return account.FindFiles(r.opts, extension)
}

func (r *Reader) Parse(ctx context.Context, rec account.Record, emit account.EmitFunc) error {
	if err := r.parseFile(ctx, rec, emit); err != nil {
		return err
	}

	if r.opts.DryRun {
		return nil
	}
	dst := paths.Destination(r.opts.MailbagDir, Format, rec.Rel)
	if err := paths.Move(rec.Path, dst, r.root, r.logger); err != nil {
		return fmt.Errorf("move mbox: %w", err)
	}
	return nil
}

func (r *Reader) parseFile(ctx context.Context, rec account.Record, emit account.EmitFunc) error {
	file, err := os.Open(rec.Path)
	if err != nil {
		msg := r.newMessage(rec)
		msg.AddError(r.logger, err, "Error opening mbox file")
		return emit(msg)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The framing is lost, nothing after this point can be trusted.
			msg := r.newMessage(rec)
			msg.AddError(r.logger, fmt.Errorf("message %d: %w", idx, err), "Error reading mbox message")
			return emit(msg)
		}

		msg := parse.Message(msgReader, r.logger)
		r.place(msg, rec)

		if err := emit(msg); err != nil {
			return err
		}
	}
}

func (r *Reader) newMessage(rec account.Record) *model.Message {
	msg := &model.Message{}
	r.place(msg, rec)
	return msg
}

func (r *Reader) place(msg *model.Message, rec account.Record) {
	msg.OriginalFile = rec.Rel
	stem := strings.TrimSuffix(filepath.Base(rec.Rel), filepath.Ext(rec.Rel))
	msg.DerivativesPath = paths.Normalize(filepath.ToSlash(filepath.Join(filepath.Dir(rec.Rel), stem, msg.MessagePath)))
}

// Count returns the number of messages in all discovered mbox files.
func (r *Reader) Count(ctx context.Context) (int, error) {
	records, err := r.Discover(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, rec := range records {
		n, err := CountMessages(rec.Path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CountMessages counts the messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, fmt.Errorf("read mbox message %d: %w", count, err)
		}
		count++
	}
}

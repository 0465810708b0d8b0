// Package derivative produces alternate renditions of messages inside a mailbag.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dhcgn/mailbag/model"
)

// ErrUnavailable is returned by Initialize when a generator cannot run in this
// environment. The generator is skipped for the run.
var ErrUnavailable = errors.New("derivative unavailable")

// Generator produces one rendition per message.
type Generator interface {
	// Name is the identifier used to request the generator.
	Name() string
	// Format is the directory below data/ the generator writes to.
	Format() string
	// Initialize prepares the generator once per run.
	Initialize(mailbagDir string, opts Options) error
	// ProcessMessage renders msg. Failures are only appended to msg.Errors.
	ProcessMessage(ctx context.Context, msg *model.Message) *model.Message
}

// Options are the run options shared by all generators.
type Options struct {
	DryRun bool
	// CSS is a stylesheet embedded in rendered documents.
	CSS string

	ChromePath      string
	WkhtmltopdfPath string
	// InContainer adds --no-sandbox to Chrome so it can run as root.
	InContainer bool

	// RenderTimeout bounds one external renderer invocation, zero means no limit.
	RenderTimeout time.Duration
	// Renderers limits concurrent external renderer processes across generators.
	Renderers *semaphore.Weighted
}

// NewRendererLimit returns a semaphore sized for the host, or n when positive.
func NewRendererLimit(n int) *semaphore.Weighted {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return semaphore.NewWeighted(int64(n))
}

// output manages data/<format> for one generator.
type output struct {
	dir    string
	dryRun bool
}

func newOutput(mailbagDir, format string, dryRun bool) (output, error) {
	o := output{dir: filepath.Join(mailbagDir, "data", format), dryRun: dryRun}
	if dryRun {
		return o, nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return o, fmt.Errorf("create %s: %w", o.dir, err)
	}
	return o, nil
}

// ErrOutsideOutput is returned when a message's derivatives path would leave
// data/<format>.
var ErrOutsideOutput = errors.New("derivatives path outside output directory")

// path returns the file for msg with the given extension, creating its
// directory unless this is a dry run.
func (o output) path(msg *model.Message, ext string) (string, error) {
	dir := filepath.Join(o.dir, filepath.FromSlash(msg.DerivativesPath))
	rel, err := filepath.Rel(o.dir, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideOutput, msg.DerivativesPath)
	}
	if !o.dryRun {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, strconv.Itoa(msg.SequenceID)+ext), nil
}

// merge appends the failures collected by one generator to the message.
func merge(msg *model.Message, errs model.Errors) *model.Message {
	msg.Errors.Messages = append(msg.Errors.Messages, errs.Messages...)
	msg.Errors.StackTraces = append(msg.Errors.StackTraces, errs.StackTraces...)
	return msg
}

func skipNoBody(logger *slog.Logger, name string, msg *model.Message) bool {
	if msg.HasBody() {
		return false
	}
	if logger != nil {
		logger.Warn("no HTML or plain text body, no derivative will be created", "derivative", name, "sequenceID", msg.SequenceID)
	}
	return true
}

package derivative

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhcgn/mailbag/model"
)

const TXTName = "txt"

// TXT writes the plain text body, or the text of the HTML body.
type TXT struct {
	dryRun bool
	out    output
	logger *slog.Logger
}

func NewTXT(logger *slog.Logger) *TXT {
	return &TXT{logger: logger}
}

func (g *TXT) Name() string { return TXTName }

func (g *TXT) Format() string { return "txt" }

func (g *TXT) Initialize(mailbagDir string, opts Options) error {
	g.dryRun = opts.DryRun
	var err error
	if g.out, err = newOutput(mailbagDir, g.Format(), opts.DryRun); err != nil {
		return fmt.Errorf("%s: %w", TXTName, err)
	}
	return nil
}

func (g *TXT) ProcessMessage(ctx context.Context, msg *model.Message) *model.Message {
	if skipNoBody(g.logger, TXTName, msg) {
		return msg
	}
	var errs model.Errors

	content, err := Text(msg)
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error formatting text derivative", slog.LevelError)
		return merge(msg, errs)
	}
	if g.dryRun {
		return msg
	}

	name, err := g.out.path(msg, ".txt")
	if err == nil {
		err = os.WriteFile(name, []byte(content), 0o644)
	}
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error writing text derivative", slog.LevelError)
	}
	return merge(msg, errs)
}

var _ Generator = (*TXT)(nil)

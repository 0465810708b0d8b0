package derivative

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhcgn/mailbag/model"
)

const HTMLName = "html"

// HTML writes the styled document of each message.
type HTML struct {
	css    string
	dryRun bool
	out    output
	logger *slog.Logger
}

func NewHTML(logger *slog.Logger) *HTML {
	return &HTML{logger: logger}
}

func (g *HTML) Name() string { return HTMLName }

func (g *HTML) Format() string { return "html" }

func (g *HTML) Initialize(mailbagDir string, opts Options) error {
	if opts.CSS != "" {
		css, err := os.ReadFile(opts.CSS)
		if err != nil {
			return fmt.Errorf("%s: read css: %w", HTMLName, err)
		}
		g.css = string(css)
	}
	g.dryRun = opts.DryRun

	var err error
	if g.out, err = newOutput(mailbagDir, g.Format(), opts.DryRun); err != nil {
		return fmt.Errorf("%s: %w", HTMLName, err)
	}
	return nil
}

func (g *HTML) ProcessMessage(ctx context.Context, msg *model.Message) *model.Message {
	if skipNoBody(g.logger, HTMLName, msg) {
		return msg
	}
	var errs model.Errors

	document, err := Document(msg, g.css)
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error formatting HTML derivative", slog.LevelError)
		return merge(msg, errs)
	}
	if g.dryRun {
		return msg
	}

	name, err := g.out.path(msg, ".html")
	if err == nil {
		err = os.WriteFile(name, []byte(document), 0o644)
	}
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error writing HTML derivative", slog.LevelError)
	}
	return merge(msg, errs)
}

var _ Generator = (*HTML)(nil)

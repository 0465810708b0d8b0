package derivative

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mailbag/model"
)

const (
	PDFChromeName = "pdf-chrome"
	PDFName       = "pdf"
)

// waitDelay bounds how long output pipes are drained after the renderer was killed.
const waitDelay = 5 * time.Second

var (
	chromeExecutables      = []string{"google-chrome", "chrome.exe", "chrome", "chromium", "chromium-browser"}
	wkhtmltopdfExecutables = []string{"wkhtmltopdf", "wkhtmltopdf.exe"}
)

// PDF renders the styled document to PDF with an external program. The HTML is
// staged next to the target as <SequenceID>.html and removed once the PDF exists.
type PDF struct {
	name        string
	agent       string
	executables []string
	override    func(Options) string
	command     func(g *PDF, html, pdf string) []string

	executable  string
	inContainer bool
	css         string
	opts        Options
	out         output
	logger      *slog.Logger
}

// NewPDFChrome renders with headless Chrome or Chromium.
func NewPDFChrome(logger *slog.Logger) *PDF {
	return &PDF{
		name:        PDFChromeName,
		agent:       "chrome",
		executables: chromeExecutables,
		override:    func(o Options) string { return o.ChromePath },
		command:     chromeCommand,
		logger:      logger,
	}
}

// NewPDFWkhtmltopdf renders with wkhtmltopdf.
func NewPDFWkhtmltopdf(logger *slog.Logger) *PDF {
	return &PDF{
		name:        PDFName,
		agent:       "wkhtmltopdf",
		executables: wkhtmltopdfExecutables,
		override:    func(o Options) string { return o.WkhtmltopdfPath },
		command:     wkhtmltopdfCommand,
		logger:      logger,
	}
}

func chromeCommand(g *PDF, html, pdf string) []string {
	args := []string{
		"--headless",
		"--run-all-compositor-stages-before-draw",
		"--disable-gpu",
	}
	if g.inContainer {
		args = append(args, "--no-sandbox")
	}
	return append(args,
		"--print-to-pdf-no-header",
		"--print-to-pdf="+pdf,
		html,
	)
}

func wkhtmltopdfCommand(_ *PDF, html, pdf string) []string {
	return []string{"--quiet", "--encoding", "utf-8", html, pdf}
}

func (g *PDF) Name() string { return g.name }

func (g *PDF) Format() string { return "pdf" }

func (g *PDF) Initialize(mailbagDir string, opts Options) error {
	exe, err := findExecutable(g.override(opts), g.executables)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", g.name, ErrUnavailable, err)
	}
	g.executable = exe
	g.inContainer = opts.InContainer
	g.opts = opts
	if g.opts.Renderers == nil {
		g.opts.Renderers = NewRendererLimit(0)
	}

	if opts.CSS != "" {
		css, err := os.ReadFile(opts.CSS)
		if err != nil {
			return fmt.Errorf("%s: read css: %w", g.name, err)
		}
		g.css = string(css)
	}

	g.out, err = newOutput(mailbagDir, g.Format(), opts.DryRun)
	if err != nil {
		return fmt.Errorf("%s: %w", g.name, err)
	}
	if g.logger != nil {
		g.logger.Debug("pdf renderer found", "derivative", g.name, "executable", exe)
	}
	return nil
}

func (g *PDF) ProcessMessage(ctx context.Context, msg *model.Message) *model.Message {
	if skipNoBody(g.logger, g.name, msg) {
		return msg
	}
	var errs model.Errors

	document, err := Document(msg, g.css)
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error formatting HTML for PDF derivative", slog.LevelError)
		return merge(msg, errs)
	}
	if g.opts.DryRun {
		return msg
	}

	pdfName, err := g.out.path(msg, ".pdf")
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error creating PDF derivative directory", slog.LevelError)
		return merge(msg, errs)
	}
	htmlName := strings.TrimSuffix(pdfName, ".pdf") + ".html"
	if pdfName, err = filepath.Abs(pdfName); err == nil {
		htmlName, err = filepath.Abs(htmlName)
	}
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error resolving PDF derivative path", slog.LevelError)
		return merge(msg, errs)
	}

	if err := os.WriteFile(htmlName, []byte(document), 0o644); err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error writing HTML for PDF derivative", slog.LevelError)
		return merge(msg, errs)
	}

	errs = g.render(ctx, msg, htmlName, pdfName, errs)

	if _, err := os.Stat(pdfName); err == nil {
		if err := os.Remove(htmlName); err != nil {
			errs = model.HandleError(g.logger, errs, err, "Error removing staged HTML for PDF derivative", slog.LevelError)
		}
	}
	return merge(msg, errs)
}

func (g *PDF) render(ctx context.Context, msg *model.Message, htmlName, pdfName string, errs model.Errors) model.Errors {
	if err := g.opts.Renderers.Acquire(ctx, 1); err != nil {
		return model.HandleError(g.logger, errs, err, "Error waiting for "+g.agent, slog.LevelError)
	}
	defer g.opts.Renderers.Release(1)

	runCtx := ctx
	if g.opts.RenderTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.opts.RenderTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, g.executable, g.command(g, htmlName, pdfName)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if g.logger != nil {
		g.logger.Debug("running pdf renderer", "command", strings.Join(cmd.Args, " "))
	}
	err := cmd.Run()
	target := fmt.Sprintf("%d.pdf", msg.SequenceID)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		if g.logger != nil {
			g.logger.Debug("created pdf derivative", "file", target)
		}
		return errs
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return model.HandleError(g.logger, errs, runCtx.Err(), fmt.Sprintf("Error converting to %s: %s timed out", target, g.agent), slog.LevelError)
	case errors.As(err, &exitErr):
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		desc := "Error converting to " + target
		if output != "" {
			desc += ": " + output
		}
		return model.HandleError(g.logger, errs, err, desc, slog.LevelError)
	default:
		return model.HandleError(g.logger, errs, err, "Error running "+g.agent+" for PDF derivative", slog.LevelError)
	}
}

func findExecutable(override string, candidates []string) (string, error) {
	if override != "" {
		return exec.LookPath(override)
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %s found in PATH", strings.Join(candidates, ", "))
}

var _ Generator = (*PDF)(nil)

package derivative

import (
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nlnwa/gowarc"

	"github.com/dhcgn/mailbag/model"
)

const WARCName = "warc"

// WARC captures the styled document of each message as a web archive holding
// a single HTTP response record, written as <SequenceID>.warc.gz.
type WARC struct {
	css    string
	dryRun bool
	out    output
	now    func() time.Time
	logger *slog.Logger
}

func NewWARC(logger *slog.Logger) *WARC {
	return &WARC{logger: logger, now: time.Now}
}

func (g *WARC) Name() string { return WARCName }

func (g *WARC) Format() string { return "warc" }

func (g *WARC) Initialize(mailbagDir string, opts Options) error {
	if opts.CSS != "" {
		css, err := os.ReadFile(opts.CSS)
		if err != nil {
			return fmt.Errorf("%s: read css: %w", WARCName, err)
		}
		g.css = string(css)
	}
	g.dryRun = opts.DryRun

	var err error
	if g.out, err = newOutput(mailbagDir, g.Format(), opts.DryRun); err != nil {
		return fmt.Errorf("%s: %w", WARCName, err)
	}
	return nil
}

func (g *WARC) ProcessMessage(ctx context.Context, msg *model.Message) *model.Message {
	if skipNoBody(g.logger, WARCName, msg) {
		return msg
	}
	var errs model.Errors

	document, err := Document(msg, g.css)
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error formatting HTML for WARC derivative", slog.LevelError)
		return merge(msg, errs)
	}
	if g.dryRun {
		return msg
	}

	name, err := g.out.path(msg, ".warc.gz")
	if err == nil {
		err = g.write(name, TargetURI(msg), document)
	}
	if err != nil {
		errs = model.HandleError(g.logger, errs, err, "Error writing WARC derivative", slog.LevelError)
	}
	return merge(msg, errs)
}

// TargetURI names the captured document inside the web archive.
func TargetURI(msg *model.Message) string {
	return "urn:mailbag:message:" + strconv.Itoa(msg.SequenceID)
}

func (g *WARC) write(name, target, document string) (err error) {
	date := g.now().UTC()

	rb := gowarc.NewRecordBuilder(gowarc.Response)
	rb.AddWarcHeader(gowarc.WarcRecordID, "<urn:uuid:"+uuid.NewString()+">")
	rb.AddWarcHeader(gowarc.WarcDate, date.Format(time.RFC3339))
	rb.AddWarcHeader(gowarc.WarcTargetURI, target)
	rb.AddWarcHeader(gowarc.ContentType, "application/http;msgtype=response")
	if _, err := rb.WriteString(httpResponse(date, document)); err != nil {
		return fmt.Errorf("build record: %w", err)
	}
	record, _, err := rb.Build()
	if err != nil {
		return fmt.Errorf("build record: %w", err)
	}
	defer record.Close()

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	if _, _, err := gowarc.NewMarshaler().Marshal(gz, record, 0); err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return gz.Close()
}

// httpResponse is the payload a browser would have received for the document.
func httpResponse(date time.Time, document string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"Date: " + date.Format(http.TimeFormat) + "\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(document)) + "\r\n" +
		"\r\n" +
		document
}

var _ Generator = (*WARC)(nil)

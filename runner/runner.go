// Package runner assembles one mailbag from one account.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/archive"
	"github.com/dhcgn/mailbag/bagit"
	"github.com/dhcgn/mailbag/config"
	"github.com/dhcgn/mailbag/derivative"
	"github.com/dhcgn/mailbag/factory"
	"github.com/dhcgn/mailbag/imap"
	"github.com/dhcgn/mailbag/manifest"
	"github.com/dhcgn/mailbag/model"
	"github.com/dhcgn/mailbag/paths"
	"github.com/dhcgn/mailbag/stats"
)

var ErrMailbagExists = errors.New("mailbag directory already exists")

// Finalizer writes the fixity manifests of a finished mailbag directory.
type Finalizer interface {
	Finalize(ctx context.Context, dir string) error
}

type StageFunc func(context.Context) error

type Option func(*Runner)

// WithFinalizer replaces the BagIt finalizer.
func WithFinalizer(f Finalizer) Option {
	return func(r *Runner) { r.finalizer = f }
}

// WithVersion sets the software version recorded by the default finalizer.
func WithVersion(v string) Option {
	return func(r *Runner) { r.version = v }
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reader     account.Reader
	generators []derivative.Generator
	active     []derivative.Generator
	finalizer  Finalizer
	manifest   *manifest.Writer
	mailbagDir string
	version    string

	messages    chan model.Envelope
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

// New resolves the account format and derivatives of cfg. Nothing is written
// to disk; an unknown identifier or an existing mailbag directory is an error.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	root, err := account.InputRoot(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	mailbagDir := filepath.Join(root, cfg.MailbagName)
	if _, err := os.Stat(mailbagDir); err == nil {
		return nil, fmt.Errorf("%s: %w", mailbagDir, ErrMailbagExists)
	}

	accountOpts := account.Options{Path: cfg.Directory, MailbagDir: mailbagDir, DryRun: cfg.DryRun}
	imapOpts := imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	reader, err := factory.Account(cfg.InputFormat, accountOpts, imapOpts, logger)
	if err != nil {
		return nil, err
	}
	generators, err := factory.Derivatives(cfg.Derivatives, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		reader:     reader,
		generators: generators,
		manifest:   manifest.NewWriter(cfg.ManifestRows),
		mailbagDir: mailbagDir,
		messages:   make(chan model.Envelope, 32),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.finalizer == nil {
		r.finalizer = bagit.New(cfg.InputFormat, r.version, logger)
	}
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// MailbagDir is the root of the mailbag being assembled.
func (r *Runner) MailbagDir() string {
	return r.mailbagDir
}

// Count returns the number of messages the account will produce, or zero
// when the format cannot count up front.
func (r *Runner) Count() (int, error) {
	counter, ok := r.reader.(account.Counter)
	if !ok {
		return 0, nil
	}
	return counter.Count(r.ctx)
}

// EmitEvent sends evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event of the run. It must be
// called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subscribers = append(r.subscribers, ch)
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start runs the pipeline and returns every message in SequenceID order.
func (r *Runner) Start() ([]*model.Message, error) {
	r.since = time.Now()
	if closer, ok := r.reader.(io.Closer); ok {
		defer closer.Close()
	}

	messages, err := r.run()
	r.fail(err)

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err = r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return messages, err
	}

	r.logger.Info("pipeline completed", "duration", duration, "messages", len(messages), "mailbag", r.mailbagDir)
	return messages, nil
}

func (r *Runner) run() ([]*model.Message, error) {
	if err := r.prepare(); err != nil {
		return nil, err
	}
	if err := r.initGenerators(); err != nil {
		return nil, err
	}

	r.AddStage("account", func(ctx context.Context) error {
		defer close(r.messages)
		return account.Stream(ctx, r.reader, r.messages, r.logger)
	})

	messages, err := r.process()
	if err != nil {
		return messages, err
	}

	if r.cfg.DryRun {
		r.logger.Info("dry run, nothing written", "messages", len(messages), "manifestUnits", r.manifest.Units())
		return messages, nil
	}

	files, err := r.manifest.Flush(r.mailbagDir)
	if err != nil {
		return messages, fmt.Errorf("flush manifest: %w", err)
	}
	r.logger.Info("manifest written", "files", len(files), "rows", r.manifest.Rows())

	if err := r.finalizer.Finalize(r.ctx, r.mailbagDir); err != nil {
		return messages, fmt.Errorf("finalize: %w", err)
	}

	if r.cfg.Compress != "" {
		if _, err := archive.Compress(r.mailbagDir, r.cfg.Compress, r.logger); err != nil {
			return messages, fmt.Errorf("compress: %w", err)
		}
	}
	return messages, nil
}

// prepare creates the mailbag root and data/attachments.
func (r *Runner) prepare() error {
	if r.cfg.DryRun {
		return nil
	}
	if err := os.Mkdir(r.mailbagDir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", r.mailbagDir, ErrMailbagExists)
		}
		return fmt.Errorf("create mailbag: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(r.mailbagDir, "data", "attachments"), 0o755); err != nil {
		return fmt.Errorf("create attachments directory: %w", err)
	}
	r.logger.Info("mailbag created", "dir", r.mailbagDir)
	return nil
}

// initGenerators prepares every requested generator. A generator whose tool is
// missing is skipped for the run, any other failure stops the run before the
// first message is read.
func (r *Runner) initGenerators() error {
	opts := derivative.Options{
		DryRun:          r.cfg.DryRun,
		CSS:             r.cfg.CSS,
		ChromePath:      r.cfg.ChromePath,
		WkhtmltopdfPath: r.cfg.WkhtmltopdfPath,
		InContainer:     r.cfg.InContainer,
		RenderTimeout:   r.cfg.RenderTimeout,
		Renderers:       derivative.NewRendererLimit(0),
	}
	for _, g := range r.generators {
		err := g.Initialize(r.mailbagDir, opts)
		if errors.Is(err, derivative.ErrUnavailable) {
			r.logger.Warn("derivative disabled for this run", "derivative", g.Name(), "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageDerivative, Type: stats.EventTypeSkipped, Derivative: g.Name(), Err: err})
			continue
		}
		if err != nil {
			return fmt.Errorf("initialize derivative %s: %w", g.Name(), err)
		}
		r.active = append(r.active, g)
	}
	return nil
}

// process numbers the messages in arrival order, saves their attachments and
// records their manifest rows on this goroutine. Derivatives of up to
// cfg.Workers messages run concurrently.
func (r *Runner) process() ([]*model.Message, error) {
	var messages []*model.Message

	g, ctx := errgroup.WithContext(r.ctx)
	workers := r.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	var fatal error
	for envelope := range r.messages {
		if fatal != nil {
			continue
		}
		if envelope.Err != nil {
			r.EmitEvent(stats.Event{Stage: stats.StageAccount, Type: stats.EventTypeError, Err: envelope.Err})
			fatal = fmt.Errorf("account: %w", envelope.Err)
			r.fail(fatal)
			continue
		}

		msg := envelope.Message
		msg.SequenceID = len(messages) + 1
		messages = append(messages, msg)
		r.EmitEvent(stats.Event{Stage: stats.StageAccount, Type: stats.EventTypeDiscovered, SequenceID: msg.SequenceID})

		r.saveAttachments(msg)
		r.manifest.Add(manifest.Row(msg))

		if len(r.active) == 0 {
			r.reportErrors(msg)
			continue
		}
		g.Go(func() error {
			r.derive(ctx, msg)
			return nil
		})
	}

	if err := g.Wait(); err != nil && fatal == nil {
		fatal = err
	}
	return messages, fatal
}

func (r *Runner) derive(ctx context.Context, msg *model.Message) {
	for _, gen := range r.active {
		before := msg.Errors.Len()
		gen.ProcessMessage(ctx, msg)
		if msg.Errors.Len() == before && msg.HasBody() {
			r.EmitEvent(stats.Event{Stage: stats.StageDerivative, Type: stats.EventTypeDerived, SequenceID: msg.SequenceID, Derivative: gen.Name()})
		}
	}
	r.reportErrors(msg)
}

func (r *Runner) reportErrors(msg *model.Message) {
	if msg.Errors.Len() == 0 {
		return
	}
	r.EmitEvent(stats.Event{
		Stage:      stats.StageController,
		Type:       stats.EventTypeMessageError,
		SequenceID: msg.SequenceID,
		Detail:     msg.Errors.Messages[len(msg.Errors.Messages)-1],
	})
}

// saveAttachments writes data/attachments/<SequenceID>/<Name> for every
// attachment. Failures are recorded on the message.
func (r *Runner) saveAttachments(msg *model.Message) {
	if len(msg.Attachments) == 0 || r.cfg.DryRun {
		return
	}

	dir := filepath.Join(r.mailbagDir, "data", "attachments", strconv.Itoa(msg.SequenceID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		msg.AddError(r.logger, err, "Error creating attachment directory")
		return
	}

	used := make(map[string]bool, len(msg.Attachments))
	for i, att := range msg.Attachments {
		name := att.Name
		if name == "" {
			name = strconv.Itoa(i)
		}
		if unique := uniqueName(name, used); unique != name {
			msg.Errors = model.HandleError(r.logger, msg.Errors, nil,
				fmt.Sprintf("Duplicate attachment name %s saved as %s", name, unique), slog.LevelWarn)
			name = unique
			msg.Attachments[i].Name = name
		}
		path := filepath.Join(dir, filepath.FromSlash(paths.Normalize(name)))
		if err := os.WriteFile(path, att.Content, 0o644); err != nil {
			msg.AddError(r.logger, err, "Error saving attachment "+name)
			continue
		}
		r.EmitEvent(stats.Event{Stage: stats.StageController, Type: stats.EventTypeAttachmentSaved, SequenceID: msg.SequenceID, Detail: name})
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

// uniqueName returns name, or name with a numeric suffix before its extension
// when an earlier attachment of the message already uses it. Names differing
// only in case count as equal.
func uniqueName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		candidate = stem + "-" + strconv.Itoa(n) + ext
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

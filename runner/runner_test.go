package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mailbag/config"
	"github.com/dhcgn/mailbag/factory"
	"github.com/dhcgn/mailbag/manifest"
	"github.com/dhcgn/mailbag/stats"
)

const withAttachment = "Message-Id: <one@example.com>\r\n" +
	"From: alice@example.com\r\n" +
	"Subject: with attachment\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XX\"\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello\r\n" +
	"--XX\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"data.bin\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"AAECAw==\r\n" +
	"--XX--\r\n"

const htmlOnly = "Message-Id: <two@example.com>\r\n" +
	"Subject: html\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>hi</p>\r\n"

const plainOnly = "Message-Id: <three@example.com>\r\n" +
	"Subject: plain\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain body\r\n"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeInput(t *testing.T) string {
	t.Helper()
	input := t.TempDir()
	files := map[string]string{
		"a.eml":     withAttachment,
		"b.eml":     htmlOnly,
		"sub/c.eml": plainOnly,
	}
	for name, content := range files {
		path := filepath.Join(input, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return input
}

func baseConfig(input string) config.Config {
	return config.Config{
		InputFormat:  "eml",
		Directory:    input,
		MailbagName:  "bag",
		Derivatives:  []string{"html", "txt"},
		Workers:      2,
		ManifestRows: manifest.DefaultThreshold,
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type recordingFinalizer struct {
	calls   int
	dirSeen bool
}

func (f *recordingFinalizer) Finalize(_ context.Context, dir string) error {
	f.calls++
	f.dirSeen = exists(filepath.Join(dir, "mailbag.csv"))
	return nil
}

func TestRunnerEndToEnd(t *testing.T) {
	input := writeInput(t)
	r, err := New(baseConfig(input), testLogger(), WithVersion("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})

	n, err := r.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v", n, err)
	}

	messages, err := r.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages", len(messages))
	}
	wantSubjects := []string{"with attachment", "html", "plain"}
	for i, msg := range messages {
		if msg.SequenceID != i+1 {
			t.Errorf("message %d has SequenceID %d", i, msg.SequenceID)
		}
		if msg.Subject != wantSubjects[i] {
			t.Errorf("message %d subject = %q, want %q", i, msg.Subject, wantSubjects[i])
		}
		if msg.Errors.Len() != 0 {
			t.Errorf("message %d errors: %v", i, msg.Errors.Messages)
		}
	}

	bag := filepath.Join(input, "bag")
	if r.MailbagDir() != bag {
		t.Errorf("MailbagDir() = %s", r.MailbagDir())
	}

	data, err := os.ReadFile(filepath.Join(bag, "data", "attachments", "1", "data.bin"))
	if err != nil {
		t.Fatalf("attachment not saved: %v", err)
	}
	if !bytes.Equal(data, []byte{0, 1, 2, 3}) {
		t.Errorf("attachment content = %v", data)
	}
	for _, seq := range []string{"2", "3"} {
		if exists(filepath.Join(bag, "data", "attachments", seq)) {
			t.Errorf("attachment directory created for message %s without attachments", seq)
		}
	}

	for _, p := range []string{
		"data/html/1.html",
		"data/html/2.html",
		"data/html/sub/3.html",
		"data/txt/sub/3.txt",
		"data/eml/a.eml",
		"data/eml/sub/c.eml",
		"mailbag.csv",
		"bagit.txt",
		"bag-info.txt",
		"manifest-sha256.txt",
		"tagmanifest-sha256.txt",
	} {
		if !exists(filepath.Join(bag, filepath.FromSlash(p))) {
			t.Errorf("%s missing", p)
		}
	}
	if exists(filepath.Join(input, "a.eml")) || exists(filepath.Join(input, "sub")) {
		t.Error("source files should be moved into the mailbag")
	}

	var ids []string
	err = manifest.Read(filepath.Join(bag, "mailbag.csv"), func(rec manifest.Record) error {
		ids = append(ids, rec["Mailbag-Message-ID"]+":"+rec["Attachments"])
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "1:1,2:0,3:0" {
		t.Errorf("manifest rows = %v", ids)
	}

	summary := collector.Snapshot()
	if summary.Messages != 3 || summary.Attachments != 1 || summary.Derived != 6 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunnerMailbagExists(t *testing.T) {
	input := writeInput(t)
	if err := os.Mkdir(filepath.Join(input, "bag"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := New(baseConfig(input), testLogger()); !errors.Is(err, ErrMailbagExists) {
		t.Fatalf("New() error = %v, want ErrMailbagExists", err)
	}
}

func TestRunnerUnknownIdentifiers(t *testing.T) {
	input := writeInput(t)

	cfg := baseConfig(input)
	cfg.InputFormat = "pst"
	if _, err := New(cfg, testLogger()); !errors.Is(err, factory.ErrUnknownFormat) {
		t.Errorf("New() error = %v, want ErrUnknownFormat", err)
	}

	cfg = baseConfig(input)
	cfg.Derivatives = []string{"docx"}
	if _, err := New(cfg, testLogger()); !errors.Is(err, factory.ErrUnknownDerivative) {
		t.Errorf("New() error = %v, want ErrUnknownDerivative", err)
	}

	if exists(filepath.Join(input, "bag")) {
		t.Error("no directory may be created for a configuration error")
	}
}

func TestRunnerDryRun(t *testing.T) {
	input := writeInput(t)
	cfg := baseConfig(input)
	cfg.DryRun = true
	finalizer := &recordingFinalizer{}

	r, err := New(cfg, testLogger(), WithFinalizer(finalizer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	messages, err := r.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(messages) != 3 {
		t.Errorf("got %d messages", len(messages))
	}
	if exists(filepath.Join(input, "bag")) {
		t.Error("dry run created the mailbag")
	}
	if !exists(filepath.Join(input, "a.eml")) {
		t.Error("dry run moved input files")
	}
	if finalizer.calls != 0 {
		t.Error("dry run must not finalize")
	}
}

func TestRunnerFinalizeThenCompress(t *testing.T) {
	input := writeInput(t)
	cfg := baseConfig(input)
	cfg.Derivatives = nil
	cfg.Compress = "zip"
	finalizer := &recordingFinalizer{}

	r, err := New(cfg, testLogger(), WithFinalizer(finalizer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if finalizer.calls != 1 || !finalizer.dirSeen {
		t.Errorf("finalizer calls = %d, saw manifest = %v", finalizer.calls, finalizer.dirSeen)
	}
	if !exists(filepath.Join(input, "bag.zip")) {
		t.Error("bag.zip missing")
	}
	if exists(filepath.Join(input, "bag")) {
		t.Error("uncompressed mailbag should be removed")
	}
}

type failingFinalizer struct{}

func (failingFinalizer) Finalize(context.Context, string) error { return errors.New("disk full") }

func TestRunnerFinalizeError(t *testing.T) {
	input := writeInput(t)
	cfg := baseConfig(input)
	cfg.Derivatives = nil

	r, err := New(cfg, testLogger(), WithFinalizer(failingFinalizer{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := r.Start(); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Start() error = %v", err)
	}
}

func TestRunnerDerivativeInitErrorStopsRun(t *testing.T) {
	input := writeInput(t)
	cfg := baseConfig(input)
	cfg.Derivatives = []string{"html"}
	cfg.CSS = filepath.Join(t.TempDir(), "missing.css")

	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	messages, err := r.Start()
	if err == nil || !strings.Contains(err.Error(), "html") {
		t.Fatalf("Start() error = %v, want html initialization failure", err)
	}
	if len(messages) != 0 {
		t.Errorf("got %d messages, want none processed", len(messages))
	}
	if !exists(filepath.Join(input, "a.eml")) {
		t.Error("input moved although the run stopped")
	}
	if exists(filepath.Join(input, "bag", "mailbag.csv")) {
		t.Error("manifest written although the run stopped")
	}
}

func TestRunnerUnavailableDerivativeSkipped(t *testing.T) {
	input := writeInput(t)
	cfg := baseConfig(input)
	cfg.Derivatives = []string{"pdf-chrome", "txt"}
	cfg.ChromePath = filepath.Join(t.TempDir(), "no-chrome")

	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})
	if _, err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	bag := filepath.Join(input, "bag")
	if exists(filepath.Join(bag, "data", "pdf")) {
		t.Error("pdf directory created for an unavailable renderer")
	}
	if !exists(filepath.Join(bag, "data", "txt", "sub", "3.txt")) {
		t.Error("txt derivative missing")
	}
	if summary := collector.Snapshot(); summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
}

const duplicateAttachments = "Message-Id: <dup@example.com>\r\n" +
	"Subject: duplicates\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XX\"\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"first\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"second\r\n" +
	"--XX--\r\n"

func TestRunnerDuplicateAttachmentNames(t *testing.T) {
	input := t.TempDir()
	if err := os.WriteFile(filepath.Join(input, "dup.eml"), []byte(duplicateAttachments), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := baseConfig(input)
	cfg.Derivatives = nil

	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	messages, err := r.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	msg := messages[0]

	dir := filepath.Join(input, "bag", "data", "attachments", "1")
	for name, want := range map[string]string{"notes.txt": "first", "notes-2.txt": "second"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("attachment %s: %v", name, err)
			continue
		}
		if strings.TrimSpace(string(data)) != want {
			t.Errorf("attachment %s = %q, want %q", name, data, want)
		}
	}
	if msg.Attachments[1].Name != "notes-2.txt" {
		t.Errorf("second attachment name = %q", msg.Attachments[1].Name)
	}
	if msg.Errors.Len() != 1 || !strings.Contains(msg.Errors.Messages[0], "notes-2.txt") {
		t.Errorf("errors = %v, want one entry naming the renamed attachment", msg.Errors.Messages)
	}
}

func TestUniqueName(t *testing.T) {
	used := make(map[string]bool)
	names := []string{"a.txt", "A.TXT", "a.txt", "a-2.txt", "b", "b", ".profile", ".profile"}
	want := []string{"a.txt", "A-2.TXT", "a-3.txt", "a-2-2.txt", "b", "b-2", ".profile", "-2.profile"}
	for i, name := range names {
		if got := uniqueName(name, used); got != want[i] {
			t.Errorf("uniqueName(%q) #%d = %q, want %q", name, i, got, want[i])
		}
	}
}

package mbox

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/model"
)

//go:embed testdata/sample.mbox
var sampleMbox []byte

func writeSample(t *testing.T, dir, rel string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, sampleMbox, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(t *testing.T, r account.Reader) []*model.Message {
	t.Helper()
	ctx := context.Background()
	out := make(chan model.Envelope, 10)
	done := make(chan error, 1)

	go func() {
		done <- account.Stream(ctx, r, out, nil)
		close(out)
	}()

	var messages []*model.Message
	for env := range out {
		if env.Err != nil {
			t.Fatalf("stream error: %v", env.Err)
		}
		messages = append(messages, env.Message)
	}
	if err := <-done; err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	return messages
}

func TestReaderParsesAndMoves(t *testing.T) {
	input := t.TempDir()
	src := writeSample(t, input, filepath.Join("2006", "archive.mbox"))
	bag := filepath.Join(input, "bag")

	r, err := NewReader(account.Options{Path: input, MailbagDir: bag}, nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}

	messages := collect(t, r)
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}

	first := messages[0]
	if first.SourceMessageID != "<one@example.com>" || first.Subject != "first" {
		t.Errorf("first message = %q %q", first.SourceMessageID, first.Subject)
	}
	if first.MessagePath != "Inbox" {
		t.Errorf("MessagePath = %q", first.MessagePath)
	}
	if first.DerivativesPath != "2006/archive/Inbox" {
		t.Errorf("DerivativesPath = %q", first.DerivativesPath)
	}
	if first.OriginalFile != filepath.Join("2006", "archive.mbox") {
		t.Errorf("OriginalFile = %q", first.OriginalFile)
	}

	second := messages[1]
	if second.HTMLBody == nil || !strings.Contains(second.HTMLBody.Content, "second body") {
		t.Errorf("HTMLBody = %+v", second.HTMLBody)
	}
	if second.AttachmentCount() != 1 || second.Attachments[0].Name != "notes.txt" {
		t.Errorf("attachments = %+v", second.Attachments)
	}
	if second.DerivativesPath != "2006/archive" {
		t.Errorf("DerivativesPath = %q", second.DerivativesPath)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source mbox should have been moved, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(bag, "data", "mbox", "2006", "archive.mbox")); err != nil {
		t.Errorf("moved mbox missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(input, "2006")); !os.IsNotExist(err) {
		t.Errorf("emptied source directory should be removed, stat err = %v", err)
	}
}

func TestReaderDryRunLeavesSource(t *testing.T) {
	input := t.TempDir()
	src := writeSample(t, input, "inbox.mbox")

	r, err := NewReader(account.Options{Path: src, MailbagDir: filepath.Join(input, "bag"), DryRun: true}, nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}

	messages := collect(t, r)
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[2].DerivativesPath != "inbox" {
		t.Errorf("DerivativesPath = %q", messages[2].DerivativesPath)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("dry run must not move the source: %v", err)
	}
}

func TestCount(t *testing.T) {
	input := t.TempDir()
	writeSample(t, input, "a.mbox")
	writeSample(t, input, filepath.Join("sub", "b.mbox"))
	writeSample(t, input, "ignored.txt")

	r, err := NewReader(account.Options{Path: input}, nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	n, err := r.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 6 {
		t.Errorf("Count() = %d, want 6", n)
	}
}

func TestNewReaderEmptyPath(t *testing.T) {
	if _, err := NewReader(account.Options{}, nil); err == nil {
		t.Error("expected error for empty path")
	}
}

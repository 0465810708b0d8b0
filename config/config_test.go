package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return LoadConfig(cmd)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("IMAP_PASS", "")
	t.Setenv("MAILBAG_CHROME", "/opt/chrome")
	t.Setenv("IN_CONTAINER", "true")

	cfg, err := load(t,
		"-i", "MBOX",
		"-d", "exports/",
		"-m", "bag1",
		"--derivatives", "pdf-chrome, html",
		"--compress", "tgz",
		"--render-timeout", "30s",
		"--log-level", "WARNING",
	)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.InputFormat != "mbox" || cfg.Directory != "exports" || cfg.MailbagName != "bag1" {
		t.Errorf("unexpected input settings: %+v", cfg)
	}
	if strings.Join(cfg.Derivatives, "|") != "pdf-chrome|html" {
		t.Errorf("Derivatives = %q", cfg.Derivatives)
	}
	if cfg.Compress != "tar.gz" {
		t.Errorf("Compress = %q", cfg.Compress)
	}
	if cfg.RenderTimeout != 30*time.Second {
		t.Errorf("RenderTimeout = %v", cfg.RenderTimeout)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ChromePath != "/opt/chrome" || !cfg.InContainer {
		t.Errorf("env fallbacks not applied: chrome=%q container=%v", cfg.ChromePath, cfg.InContainer)
	}
	if cfg.Workers != 1 || cfg.ManifestRows != 100000 {
		t.Errorf("defaults: workers=%d rows=%d", cfg.Workers, cfg.ManifestRows)
	}
}

func TestLoadConfigIMAP(t *testing.T) {
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := load(t, "-i", "imap", "-m", "bag", "--imap-host", "mail.example.com", "--imap-user", "me")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Directory != "." {
		t.Errorf("Directory = %q, want .", cfg.Directory)
	}
	if cfg.IMAPPass != "secret" {
		t.Errorf("IMAPPass not read from env")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("IMAP_PASS", "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing directory", []string{"-i", "eml", "-m", "bag"}, "--directory"},
		{"name with separator", []string{"-i", "eml", "-d", ".", "-m", "a/b"}, "--mailbag-name"},
		{"bad compression", []string{"-i", "eml", "-d", ".", "-m", "bag", "--compress", "rar"}, "--compress"},
		{"no workers", []string{"-i", "eml", "-d", ".", "-m", "bag", "--workers", "0"}, "--workers"},
		{"bad log level", []string{"-i", "eml", "-d", ".", "-m", "bag", "--log-level", "loud"}, "--log-level"},
		{"imap without host", []string{"-i", "imap", "-m", "bag"}, "--imap-host"},
		{"imap without password", []string{"-i", "imap", "-m", "bag", "--imap-host", "h", "--imap-user", "u"}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	if err := LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() without .env error = %v", err)
	}

	t.Setenv("MAILBAG_TEST_VALUE", "")
	os.Unsetenv("MAILBAG_TEST_VALUE")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MAILBAG_TEST_VALUE=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv("MAILBAG_TEST_VALUE"); got != "from-dotenv" {
		t.Errorf("MAILBAG_TEST_VALUE = %q", got)
	}
}

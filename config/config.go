package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbag/archive"
	"github.com/dhcgn/mailbag/manifest"
)

// Config captures all command-line options of one mailbag run.
type Config struct {
	InputFormat string
	Directory   string
	MailbagName string
	Derivatives []string
	DryRun      bool
	Compress    string

	CSS             string
	Workers         int
	RenderTimeout   time.Duration
	ManifestRows    int
	ChromePath      string
	WkhtmltopdfPath string
	InContainer     bool

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool

	LogLevel   string
	LogDir     string
	NoProgress bool
}

// LoadEnv reads a .env file from the working directory when present.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.StringP("input", "i", "", "Input format: mbox, eml or imap")
	flags.StringP("directory", "d", "", "Input file or directory (for imap the directory the mailbag is created in)")
	flags.StringP("mailbag-name", "m", "", "Name of the mailbag directory to create")
	flags.String("derivatives", "", "Comma separated derivatives to create: html, pdf, pdf-chrome, txt, warc")
	flags.Bool("dry-run", false, "Parse the input and report errors without writing anything")
	flags.String("compress", "", "Compress the finished mailbag: tar, zip or tar.gz")
	flags.String("css", "", "CSS file applied to HTML and PDF derivatives")
	flags.Int("workers", 1, "Number of messages whose derivatives are generated concurrently")
	flags.Duration("render-timeout", 0, "Timeout for one PDF renderer invocation (0 disables)")
	flags.Int("manifest-rows", manifest.DefaultThreshold, "Rows per mailbag CSV file before a new one is started")
	flags.String("chrome", "", "Path to the Chrome executable (falls back to MAILBAG_CHROME env var)")
	flags.String("wkhtmltopdf", "", "Path to the wkhtmltopdf executable (falls back to MAILBAG_WKHTMLTOPDF env var)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")
	flags.Bool("no-progress", false, "Disable the progress bar")

	if err := cmd.MarkFlagRequired("input"); err != nil {
		return err
	}
	if err := cmd.MarkFlagRequired("mailbag-name"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	var cfg Config
	var derivatives string
	var err error

	strs := []struct {
		name string
		dst  *string
	}{
		{"input", &cfg.InputFormat},
		{"directory", &cfg.Directory},
		{"mailbag-name", &cfg.MailbagName},
		{"derivatives", &derivatives},
		{"compress", &cfg.Compress},
		{"css", &cfg.CSS},
		{"chrome", &cfg.ChromePath},
		{"wkhtmltopdf", &cfg.WkhtmltopdfPath},
		{"imap-host", &cfg.IMAPHost},
		{"imap-user", &cfg.IMAPUser},
		{"imap-pass", &cfg.IMAPPass},
		{"log-level", &cfg.LogLevel},
		{"log-dir", &cfg.LogDir},
	}
	for _, s := range strs {
		if *s.dst, err = flags.GetString(s.name); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"dry-run", &cfg.DryRun},
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
		{"no-progress", &cfg.NoProgress},
	}
	for _, b := range bools {
		if *b.dst, err = flags.GetBool(b.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.Workers, err = flags.GetInt("workers"); err != nil {
		return Config{}, err
	}
	if cfg.ManifestRows, err = flags.GetInt("manifest-rows"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}
	if cfg.RenderTimeout, err = flags.GetDuration("render-timeout"); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	normalize(&cfg, derivatives)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.ChromePath == "" {
		cfg.ChromePath = os.Getenv("MAILBAG_CHROME")
	}
	if cfg.WkhtmltopdfPath == "" {
		cfg.WkhtmltopdfPath = os.Getenv("MAILBAG_WKHTMLTOPDF")
	}
	cfg.InContainer, _ = strconv.ParseBool(os.Getenv("IN_CONTAINER"))
}

func normalize(cfg *Config, derivatives string) {
	cfg.InputFormat = strings.ToLower(strings.TrimSpace(cfg.InputFormat))
	cfg.MailbagName = strings.TrimSpace(cfg.MailbagName)
	cfg.Derivatives = strings.FieldsFunc(strings.ToLower(derivatives), func(r rune) bool {
		return r == ',' || r == ' '
	})
	if cfg.Compress != "" {
		cfg.Compress = archive.Format(cfg.Compress)
	}
	if cfg.Directory == "" && cfg.InputFormat == "imap" {
		cfg.Directory = "."
	}
	if cfg.Directory != "" {
		cfg.Directory = filepath.Clean(cfg.Directory)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
}

func validateConfig(cfg Config) error {
	if cfg.InputFormat == "" {
		return fmt.Errorf("--input is required")
	}
	if cfg.Directory == "" {
		return fmt.Errorf("--directory is required")
	}
	if cfg.MailbagName == "" {
		return fmt.Errorf("--mailbag-name is required")
	}
	if strings.ContainsAny(cfg.MailbagName, `/\`) || cfg.MailbagName == "." || cfg.MailbagName == ".." {
		return fmt.Errorf("--mailbag-name must be a plain directory name: %q", cfg.MailbagName)
	}
	if cfg.Compress != "" && !archive.Valid(cfg.Compress) {
		return fmt.Errorf("invalid --compress: %s (supported: %s)", cfg.Compress, strings.Join(archive.Formats, ", "))
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if cfg.ManifestRows < 1 {
		return fmt.Errorf("--manifest-rows must be at least 1")
	}
	if cfg.RenderTimeout < 0 {
		return fmt.Errorf("--render-timeout must not be negative")
	}

	if cfg.InputFormat == "imap" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for imap input")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for imap input")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

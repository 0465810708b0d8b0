// Package factory resolves account formats and derivative names to implementations.
package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/derivative"
	"github.com/dhcgn/mailbag/eml"
	"github.com/dhcgn/mailbag/imap"
	"github.com/dhcgn/mailbag/mbox"
)

var (
	ErrUnknownFormat     = errors.New("unknown input format")
	ErrUnknownDerivative = errors.New("unknown derivative")
)

// AccountFormats lists the input formats Account accepts.
func AccountFormats() []string {
	return []string{eml.Format, imap.Format, mbox.Format}
}

// DerivativeNames lists the names Derivatives accepts.
func DerivativeNames() []string {
	names := []string{derivative.HTMLName, derivative.PDFName, derivative.PDFChromeName, derivative.TXTName, derivative.WARCName}
	sort.Strings(names)
	return names
}

// Account constructs the reader for format.
func Account(format string, opts account.Options, imapOpts imap.Options, logger *slog.Logger) (account.Reader, error) {
	switch normalize(format) {
	case mbox.Format:
		r, err := mbox.NewReader(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: mbox reader init: %w", err)
		}
		return r, nil
	case eml.Format:
		r, err := eml.NewReader(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: eml reader init: %w", err)
		}
		return r, nil
	case imap.Format:
		r, err := imap.NewReader(imapOpts, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: imap reader init: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("factory: %w %q (supported: %s)", ErrUnknownFormat, format, strings.Join(AccountFormats(), ", "))
	}
}

// Derivative constructs the generator registered under name.
func Derivative(name string, logger *slog.Logger) (derivative.Generator, error) {
	switch normalize(name) {
	case derivative.PDFChromeName:
		return derivative.NewPDFChrome(logger), nil
	case derivative.PDFName:
		return derivative.NewPDFWkhtmltopdf(logger), nil
	case derivative.HTMLName:
		return derivative.NewHTML(logger), nil
	case derivative.TXTName:
		return derivative.NewTXT(logger), nil
	case derivative.WARCName:
		return derivative.NewWARC(logger), nil
	default:
		return nil, fmt.Errorf("factory: %w %q (supported: %s)", ErrUnknownDerivative, name, strings.Join(DerivativeNames(), ", "))
	}
}

// Derivatives constructs the generators for names in the given order. A name
// requested twice is used once. Two generators writing the same format are
// rejected because their outputs would share data/<format>.
func Derivatives(names []string, logger *slog.Logger) ([]derivative.Generator, error) {
	var generators []derivative.Generator
	seen := make(map[string]bool)
	formats := make(map[string]string)
	for _, name := range names {
		name = normalize(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		g, err := Derivative(name, logger)
		if err != nil {
			return nil, err
		}
		if other, ok := formats[g.Format()]; ok {
			return nil, fmt.Errorf("factory: derivatives %q and %q both write %s", other, name, g.Format())
		}
		formats[g.Format()] = name
		generators = append(generators, g)
	}
	return generators, nil
}

// SplitNames splits a comma or space separated list of derivative names.
func SplitNames(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func normalize(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

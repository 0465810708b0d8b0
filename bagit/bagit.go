// Package bagit finalizes a mailbag directory as a BagIt bag.
//
// The payload lives under data/. Everything else in the bag root (the
// mailbag manifest units included) is a tag file and is covered by the
// tag manifest.
package bagit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	Version  = "0.97"
	dataDir  = "data"
	agentFmt = "mailbag %s"
)

// ErrInvalid is returned by Validate when the bag does not match its manifests.
var ErrInvalid = errors.New("invalid bag")

// Bagger writes the BagIt tag files of a directory.
type Bagger struct {
	// Source names the account format recorded as Mailbag-Source.
	Source string
	// Version is the software version recorded in Bag-Software-Agent.
	Version string
	// Workers bounds concurrent file hashing, zero means runtime.NumCPU.
	Workers int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func New(source, version string, logger *slog.Logger) *Bagger {
	return &Bagger{
		Source:  source,
		Version: version,
		now:     time.Now,
		newID:   func() string { return "urn:uuid:" + uuid.NewString() },
		logger:  logger,
	}
}

type digests struct {
	sha256 string
	sha512 string
	size   int64
}

// Finalize computes the payload manifests and writes bagit.txt, bag-info.txt,
// manifest-sha256.txt, manifest-sha512.txt and tagmanifest-sha256.txt.
func (b *Bagger) Finalize(ctx context.Context, dir string) error {
	payload, err := b.hashTree(ctx, dir, func(rel string, d fs.DirEntry) bool {
		return strings.HasPrefix(rel, dataDir+"/")
	})
	if err != nil {
		return fmt.Errorf("hash payload: %w", err)
	}

	var oxumBytes int64
	for _, d := range payload {
		oxumBytes += d.size
	}

	version := b.Version
	if version == "" {
		version = "dev"
	}
	info := [][2]string{
		{"Bag-Software-Agent", fmt.Sprintf(agentFmt, version)},
		{"Bagging-Date", b.now().Format("2006-01-02")},
		{"External-Identifier", b.newID()},
		{"Payload-Oxum", fmt.Sprintf("%d.%d", oxumBytes, len(payload))},
	}
	if b.Source != "" {
		info = append(info, [2]string{"Mailbag-Source", b.Source})
	}

	if err := writeTagFile(dir, "bagit.txt", [][2]string{
		{"BagIt-Version", Version},
		{"Tag-File-Character-Encoding", "UTF-8"},
	}); err != nil {
		return err
	}
	if err := writeTagFile(dir, "bag-info.txt", info); err != nil {
		return err
	}
	if err := writeManifest(dir, "manifest-sha256.txt", payload, func(d digests) string { return d.sha256 }); err != nil {
		return err
	}
	if err := writeManifest(dir, "manifest-sha512.txt", payload, func(d digests) string { return d.sha512 }); err != nil {
		return err
	}

	tags, err := b.hashTree(ctx, dir, func(rel string, d fs.DirEntry) bool {
		return !strings.HasPrefix(rel, dataDir+"/") && !strings.HasPrefix(rel, "tagmanifest-")
	})
	if err != nil {
		return fmt.Errorf("hash tag files: %w", err)
	}
	if err := writeManifest(dir, "tagmanifest-sha256.txt", tags, func(d digests) string { return d.sha256 }); err != nil {
		return err
	}

	if b.logger != nil {
		b.logger.Info("bag finalized", "dir", dir, "payloadFiles", len(payload), "payloadBytes", oxumBytes)
	}
	return nil
}

// hashTree hashes every regular file below dir accepted by keep. Keys are
// slash separated paths relative to dir.
func (b *Bagger) hashTree(ctx context.Context, dir string, keep func(rel string, d fs.DirEntry) bool) (map[string]digests, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep(rel, d) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	result := make(map[string]digests, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			result[rel] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func hashFile(path string) (digests, error) {
	file, err := os.Open(path)
	if err != nil {
		return digests{}, err
	}
	defer file.Close()

	h256, h512 := sha256.New(), sha512.New()
	n, err := io.Copy(io.MultiWriter(h256, h512), file)
	if err != nil {
		return digests{}, fmt.Errorf("read %s: %w", path, err)
	}
	return digests{sha256: sum(h256), sha512: sum(h512), size: n}, nil
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func writeTagFile(dir, name string, fields [][2]string) error {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString(f[0] + ": " + f[1] + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func writeManifest(dir, name string, entries map[string]digests, pick func(digests) string) error {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(pick(entries[p]) + "  " + encodePath(p) + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// encodePath escapes the characters BagIt reserves in manifest paths.
func encodePath(p string) string {
	return strings.NewReplacer("%", "%25", "\n", "%0A", "\r", "%0D").Replace(p)
}

func decodePath(p string) string {
	return strings.NewReplacer("%0A", "\n", "%0D", "\r", "%25", "%").Replace(p)
}

// Validate checks the payload of dir against manifest-sha256.txt and the
// Payload-Oxum of bag-info.txt.
func Validate(ctx context.Context, dir string) error {
	want, err := readManifest(filepath.Join(dir, "manifest-sha256.txt"))
	if err != nil {
		return err
	}

	b := &Bagger{}
	got, err := b.hashTree(ctx, dir, func(rel string, d fs.DirEntry) bool {
		return strings.HasPrefix(rel, dataDir+"/")
	})
	if err != nil {
		return fmt.Errorf("hash payload: %w", err)
	}

	var problems []string
	var size int64
	for p, d := range got {
		size += d.size
		sum, ok := want[p]
		switch {
		case !ok:
			problems = append(problems, p+" not in manifest")
		case sum != d.sha256:
			problems = append(problems, p+" checksum mismatch")
		}
	}
	for p := range want {
		if _, ok := got[p]; !ok {
			problems = append(problems, p+" missing")
		}
	}

	info, err := readTagFile(filepath.Join(dir, "bag-info.txt"))
	if err != nil {
		return err
	}
	if oxum := info["Payload-Oxum"]; oxum != "" && oxum != fmt.Sprintf("%d.%d", size, len(got)) {
		problems = append(problems, "Payload-Oxum "+oxum+" does not match "+strconv.FormatInt(size, 10)+"."+strconv.Itoa(len(got)))
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func readManifest(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		sum, p, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed manifest line %q", ErrInvalid, line)
		}
		entries[decodePath(strings.TrimLeft(p, " *"))] = sum
	}
	return entries, scanner.Err()
}

func readTagFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tag file: %w", err)
	}
	defer file.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), ":"); ok {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return fields, scanner.Err()
}

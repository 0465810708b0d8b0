// Package paths maps source locations onto the mailbag directory layout.
package paths

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	cleanupAttempts = 10
	cleanupBackoff  = 10 * time.Millisecond
)

var (
	windowsReservedChars = `<>:"|?*`
	windowsReservedNames = []string{
		"CON", "PRN", "AUX", "NUL",
		"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
		"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
	}
)

// Relative returns file relative to root. The root itself yields "".
func Relative(root, file string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not under %s", file, root)
	}
	return rel, nil
}

// Normalize makes path safe to use as a destination below the mailbag on the
// current platform. Normalizing twice gives the same result, so a literal "%"
// is kept as is and a segment already written in escaped form, such as
// "Sent%3AItems", maps to the same name as "Sent:Items".
func Normalize(path string) string {
	return normalize(path, runtime.GOOS == "windows")
}

func normalize(path string, restricted bool) string {
	if !restricted {
		if path == "." {
			return ""
		}
		return path
	}

	segments := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "." {
			continue
		}
		out = append(out, normalizeSegment(seg))
	}
	return strings.Join(out, "/")
}

func normalizeSegment(seg string) string {
	for _, name := range windowsReservedNames {
		if strings.EqualFold(seg, name) {
			var b strings.Builder
			for i := 0; i < len(seg); i++ {
				fmt.Fprintf(&b, "%%%02X", seg[i])
			}
			return b.String()
		}
	}
	if strings.ContainsAny(seg, windowsReservedChars) {
		return url.QueryEscape(seg)
	}
	return seg
}

// Destination returns where a file found at rel (relative to the input root)
// belongs in the mailbag: <mailbagDir>/data/<category>/<rel>.
func Destination(mailbagDir, category, rel string) string {
	return filepath.Join(mailbagDir, "data", category, filepath.FromSlash(Normalize(rel)))
}

// Move moves src to dst, creating parent directories of dst. Directories
// between src and root left empty by the move are removed.
func Move(src, dst, root string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	if logger != nil {
		logger.Debug("moving file", "from", src, "to", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		if !isCrossDevice(err) {
			return fmt.Errorf("move %s: %w", src, err)
		}
		// Rename fails across filesystems, fall back to copying.
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", src, err)
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("remove %s after copy: %w", src, err)
		}
	}

	return removeEmptyParents(filepath.Dir(src), root, logger)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeEmptyParents(dir, root string, logger *slog.Logger) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}

	for dir != absRoot && strings.HasPrefix(dir, absRoot+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if logger != nil {
			logger.Debug("removing empty directory", "dir", dir)
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
		if err := waitGone(dir); err != nil {
			return err
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// waitGone polls until dir is no longer visible. Directory removal is not
// synchronous on every platform.
func waitGone(dir string) error {
	for i := 0; i < cleanupAttempts; i++ {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(time.Duration(i+1) * cleanupBackoff)
	}
	return fmt.Errorf("directory %s still present after removal", dir)
}

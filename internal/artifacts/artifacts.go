// Package artifacts stores worker-produced files on the local
// filesystem: result artifacts in a content-addressed area keyed by
// their SHA-256 fingerprint, and build/run logs keyed by test ID.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is a filesystem artifact area.
type Store struct {
	root string
}

// New creates the results and logs directories under root.
func New(root string) (*Store, error) {
	for _, dir := range []string{resultsDir, logsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

const (
	resultsDir = "results"
	logsDir    = "logs"
)

// SaveResult streams an artifact into the content-addressed results
// area and returns its hex SHA-256 fingerprint. The extension of the
// uploaded filename is preserved so diff tooling can recognize the
// format. Re-uploading identical content lands on the same path.
func (s *Store) SaveResult(r io.Reader, filename string) (string, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing artifact: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(s.root, resultsDir, sum+sanitizeExt(filename))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("storing artifact: %w", err)
	}
	return sum, nil
}

// SaveLog stores a worker's build/run log under the test's ID,
// replacing any prior log for the same test.
func (s *Store) SaveLog(testID uint, r io.Reader) error {
	tmp, err := os.CreateTemp(s.root, "log-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.LogPath(testID)); err != nil {
		return fmt.Errorf("storing log: %w", err)
	}
	return nil
}

// LogPath returns where the log for a test lives.
func (s *Store) LogPath(testID uint) string {
	return filepath.Join(s.root, logsDir, fmt.Sprintf("%d.txt", testID))
}

// ResultPath returns where an artifact with the given fingerprint and
// original filename would live.
func (s *Store) ResultPath(sum, filename string) string {
	return filepath.Join(s.root, resultsDir, sum+sanitizeExt(filename))
}

// sanitizeExt extracts a safe extension from an untrusted filename.
// Anything with path separators or without a plain ".xyz" suffix maps
// to the empty extension.
func sanitizeExt(filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	if ext == "" || ext == "." {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	if strings.Contains(ext, "..") {
		return ""
	}
	return ext
}

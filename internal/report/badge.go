package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// BadgeUpdater publishes the build badge for main-repository commit
// tests by copying the pre-rendered SVG for (state, platform) over the
// one the website serves.
type BadgeUpdater struct {
	// SourceDir holds one SVG per (STATE, platform), named like
	// "SUCCESS-linux.svg".
	SourceDir string

	// TargetDir is where the served badges live, named like
	// "build-linux.svg".
	TargetDir string
}

// Update replaces the served badge. Callers only invoke it for commit
// tests against the main repository; a missing source SVG is an error
// the caller logs.
func (b *BadgeUpdater) Update(state State, platform store.Platform) error {
	src := filepath.Join(b.SourceDir, fmt.Sprintf("%s-%s.svg", strings.ToUpper(string(state)), platform))
	dst := filepath.Join(b.TargetDir, fmt.Sprintf("build-%s.svg", platform))

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening badge %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating badge %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying badge: %w", err)
	}
	return nil
}

package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
)

var ErrExtractionFailed = errors.New("extraction failed")

// Extractor produces the artifact of a model. Implementations report
// progress on node which is already started with a total of 1, they do
// not finish it. A nil slice of referenced models means a failure.
type Extractor interface {
	Extract(ctx context.Context, model string, fp Fingerprint, artifact string, node *progress.Node) ([]string, error)
}

type ExtractorFunc func(ctx context.Context, model string, fp Fingerprint, artifact string, node *progress.Node) ([]string, error)

func (f ExtractorFunc) Extract(ctx context.Context, model string, fp Fingerprint, artifact string, node *progress.Node) ([]string, error) {
	return f(ctx, model, fp, artifact, node)
}

// Snapper extracts models, reusing artifacts of previous extractions
// when possible.
type Snapper struct {
	Cache     Cache
	Extractor Extractor
	// ArtifactDir is where artifacts are stored, os.TempDir when empty
	ArtifactDir string
}

// Artifact returns the default artifact path of a model
func (s *Snapper) Artifact(model string) string {
	dir := s.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Base(model)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(dir, name+".xml")
}

// Snap extracts model into its default artifact and returns the artifact
// path with the paths of referenced models. The node is started and
// finished by Snap.
func (s *Snapper) Snap(ctx context.Context, model string, fp Fingerprint, node *progress.Node) (string, []string, error) {
	name := filepath.Base(model)
	artifact := s.Artifact(model)
	if err := node.Start(fmt.Sprintf("Extracting data from model %q...", name), 1); err != nil {
		return "", nil, err
	}

	if deps, ok := s.Cache.CanReuse(ctx, model, fp, artifact); ok {
		_ = node.Finish(fmt.Sprintf("Model %q not changed, reuse cached extraction.", name), nil)
		return artifact, deps, nil
	}

	if node.IsCancelled() {
		_ = node.Finish("Extraction cancelled.", nil)
		return "", nil, progress.ErrCancelled
	}

	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrExtractionFailed, name, err)
		_ = node.Finish(fmt.Sprintf("Extraction from model %q failed.", name), err)
		return "", nil, err
	}

	deps, err := s.Extractor.Extract(ctx, model, fp, artifact, node)
	switch {
	case errors.Is(err, progress.ErrCancelled):
		_ = node.Finish("Extraction cancelled.", nil)
		return "", nil, err
	case err != nil:
		err = fmt.Errorf("%w: %s: %w", ErrExtractionFailed, name, err)
	case deps == nil:
		err = fmt.Errorf("%w: %s: no data", ErrExtractionFailed, name)
	}
	if err != nil {
		slog.ErrorContext(ctx, "extraction failed", log.Model(model), log.Error(err))
		_ = node.Finish(fmt.Sprintf("Extraction from model %q failed.", name), err)
		return "", nil, err
	}

	_ = node.Finish(fmt.Sprintf("Data extracted from model %q.", name), nil)
	return artifact, deps, nil
}

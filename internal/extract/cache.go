package extract

import (
	"context"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/snapdoc/internal/log"
)

// Source is the modeling tool side of the extraction.
type Source interface {
	// IsDirty reports whether the model is open with unsaved changes
	IsDirty(model string) bool
	// Version returns an identifier of the current model revision, computed
	// without loading the model. An empty string means unknown.
	Version(model string) string
	// Locate resolves referenced model names to paths, unknown names are
	// skipped.
	Locate(names []string) []string
}

// Cache decides whether an artifact of a previous extraction can be reused.
type Cache struct {
	Source           Source
	ExtractorVersion string
}

// CanReuse returns the models referenced by model and true when artifact
// was produced from the current model revision by the same extractor
// version with the same configuration. Any failure means no reuse.
func (c Cache) CanReuse(ctx context.Context, model string, fp Fingerprint, artifact string) ([]string, bool) {
	miss := func(reason string) ([]string, bool) {
		slog.DebugContext(ctx, "extraction cache miss", log.Model(model), log.Artifact(artifact), log.Reason(reason))
		return nil, false
	}

	if c.Source.IsDirty(model) {
		return miss("model has unsaved changes")
	}
	if _, err := os.Stat(artifact); err != nil {
		return miss("no artifact")
	}
	version := c.Source.Version(model)
	if version == "" {
		return miss("unknown model version")
	}
	m, err := ReadMarker(artifact)
	if err != nil {
		return miss(err.Error())
	}
	if m.ModelVersion != version {
		return miss("model version changed")
	}
	if m.ExtractorVersion != c.ExtractorVersion {
		return miss("extractor version changed")
	}
	if m.Conf != fp.Conf() {
		return miss("extraction configuration changed")
	}
	if len(m.Deps) == 0 {
		return []string{}, true
	}
	deps := c.Source.Locate(m.Deps)
	if deps == nil {
		deps = []string{}
	}
	return deps, true
}

package log

import "log/slog"

// Canonical attribute keys shared by all packages.
const (
	KeyModel    = "model"
	KeyArtifact = "artifact"
	KeyOutput   = "output"
	KeyStyle    = "style"
	KeyJobID    = "job_id"
	KeyRunID    = "run_id"
	KeyProfile  = "profile"
	KeyError    = "error"
	KeyReason   = "reason"
)

func Model(path string) slog.Attr    { return slog.String(KeyModel, path) }
func Artifact(path string) slog.Attr { return slog.String(KeyArtifact, path) }
func Output(path string) slog.Attr   { return slog.String(KeyOutput, path) }
func Style(path string) slog.Attr    { return slog.String(KeyStyle, path) }
func JobID(id string) slog.Attr      { return slog.String(KeyJobID, id) }
func RunID(id string) slog.Attr      { return slog.String(KeyRunID, id) }
func Profile(id string) slog.Attr    { return slog.String(KeyProfile, id) }
func Reason(r string) slog.Attr      { return slog.String(KeyReason, r) }

// Error returns an error attribute, an empty one for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

package stylesheet

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Walk recursively walks the styles root and yields the path of every
// stylesheet source or compiled file, prefixed with dir. The resources
// directory is skipped and symlinks are not followed. Walk errors are
// yielded with an empty path.
func Walk(ctx context.Context, dir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			_ = root.Close()
		}()

		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield("", err) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				if d.Name() == ResourcesDir {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case SourceExt, CompiledExt:
				if !yield(filepath.Join(dir, path), nil) {
					return fs.SkipAll
				}
			}
			return nil
		}
		_ = fs.WalkDir(root.FS(), ".", fn)
	}
}

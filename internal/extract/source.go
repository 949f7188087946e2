package extract

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
)

// FileSource is a Source for models stored as plain files. Models are
// never dirty, the version is derived from the file size and modification
// time.
type FileSource struct {
	// Paths are searched in order when locating models by name
	Paths []string
}

func (FileSource) IsDirty(string) bool {
	return false
}

func (FileSource) Version(model string) string {
	info, err := os.Stat(model)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(info.Size()))
	binary.BigEndian.PutUint64(b[8:], uint64(info.ModTime().UnixNano()))
	sum := sha256.Sum256(b[:])
	return hex.EncodeToString(sum[:16])
}

// Locate returns the first file named <name>.<ext> for each name found in
// Paths. Names which can't be found are skipped.
func (s FileSource) Locate(names []string) []string {
	found := make([]string, 0, len(names))
	for _, name := range names {
		if p := s.locate(name); p != "" {
			found = append(found, p)
		}
	}
	return found
}

func (s FileSource) locate(name string) string {
	for _, dir := range s.Paths {
		matches, err := filepath.Glob(filepath.Join(dir, name+".*"))
		if err != nil {
			continue
		}
		slices.Sort(matches)
		for _, m := range matches {
			if filepath.Ext(m) == ".xml" {
				continue
			}
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				abs, err := filepath.Abs(m)
				if err != nil {
					return m
				}
				return abs
			}
		}
	}
	return ""
}

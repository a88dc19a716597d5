package blastbox

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// WorkspaceDiff lists the files touched by a sandbox run, as relative
// paths sorted lexicographically.
type WorkspaceDiff struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Empty reports whether the run touched nothing.
func (d WorkspaceDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Snapshot hashes every regular file under dir, keyed by slash-separated
// relative path. A missing dir yields an empty snapshot.
func Snapshot(dir string) (map[string]string, error) {
	snap := make(map[string]string)
	if dir == "" {
		return snap, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return snap, nil
	}
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
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff compares two snapshots taken before and after a run.
func Diff(before, after map[string]string) WorkspaceDiff {
	var d WorkspaceDiff
	for path, sum := range after {
		prev, ok := before[path]
		switch {
		case !ok:
			d.Added = append(d.Added, path)
		case prev != sum:
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

package casefile

import (
	"context"
	"os"
	"path/filepath"
)

// DirFetcher resolves attachment references as file names inside a single
// evidence directory. References are cleaned to their base name so a stored
// ref can never escape the directory.
type DirFetcher struct {
	Dir string
}

func (f DirFetcher) Fetch(_ context.Context, ref string) (AttachmentData, error) {
	name := filepath.Base(filepath.Clean(ref))
	blob, err := os.ReadFile(filepath.Join(f.Dir, name))
	if err != nil {
		return AttachmentData{}, err
	}
	return AttachmentData{Name: name, Bytes: blob}, nil
}

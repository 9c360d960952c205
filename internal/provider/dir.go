package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
)

// Dir serves modules from a local symbol store directory. Files are memory
// mapped and unmapped when the caller releases them.
type Dir struct {
	Root string
}

func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) FetchModule(ctx context.Context, name, debugID string) (*symbolicate.ModuleFiles, error) {
	if err := validate(name, debugID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, id, err := d.moduleDir(name, debugID)
	if err != nil {
		return nil, err
	}

	var mapped []*mappedFile
	release := func() {
		for _, m := range mapped {
			if err := m.Close(); err != nil {
				slog.Warn("Failed to unmap module file", "module", name, "error", err)
			}
		}
	}

	files := &symbolicate.ModuleFiles{DebugID: id, Release: release}
	open := func(fileName string) ([]byte, error) {
		m, err := openCompressed(filepath.Join(dir, fileName))
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, m)
		return m.data, nil
	}

	if isPDB(name) {
		if files.Debug, err = open(name); err != nil {
			return nil, err
		}
		for _, image := range imageCandidates(name) {
			if files.Binary, err = open(image); err == nil {
				break
			}
		}
		if files.Binary == nil {
			release()
			return nil, fmt.Errorf("%w: no PE image next to %s", ErrNotFound, name)
		}
	} else {
		if files.Binary, err = open(name); err != nil {
			return nil, err
		}
		if isPE(files.Binary) {
			if files.Debug, err = open(stem(name) + ".pdb"); err != nil {
				slog.Debug("No PDB next to PE image", "module", name, "error", err)
			}
		}
	}

	slog.Debug("Fetched module from symbol store", "module", name, "debugID", id, "dir", dir)
	return files, nil
}

// moduleDir finds <root>/<name>/<debugID>, trying the debug id as given and
// upper-cased.
func (d *Dir) moduleDir(name, debugID string) (string, string, error) {
	if debugID == "" {
		return "", "", fmt.Errorf("%w: %s has no debug id", ErrNotFound, name)
	}
	ids := []string{debugID}
	if upper := strings.ToUpper(debugID); upper != debugID {
		ids = append(ids, upper)
	}
	for _, id := range ids {
		dir := filepath.Join(d.Root, name, id)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, id, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s/%s", ErrNotFound, name, debugID)
}

// openCompressed maps path, or path with a compression suffix when the plain
// file does not exist.
func openCompressed(path string) (*mappedFile, error) {
	for _, suffix := range compressedSuffixes {
		m, err := mapFile(path + suffix)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
}

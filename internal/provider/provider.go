// Package provider implements the module byte providers the symbolicator
// fetches binaries and debug files from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
)

var (
	ErrNotFound    = errors.New("module not found")
	ErrInvalidName = errors.New("invalid module name or debug id")
)

var validDebugID = regexp.MustCompile(`^[a-zA-Z0-9]*$`)

// compressedSuffixes are tried after the plain file name, in order.
var compressedSuffixes = []string{"", ".gz", ".zst"}

// validate rejects names that could escape the symbol store layout.
func validate(name, debugID string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !validDebugID.MatchString(debugID) {
		return fmt.Errorf("%w: %q", ErrInvalidName, debugID)
	}
	return nil
}

// Symbol stores keep a module under <name>/<debugID>/<name>. A PE image is
// accompanied by the PDB named after it, and a module requested by its PDB
// name is served with the image next to it.

func isPDB(name string) bool {
	return strings.EqualFold(path.Ext(name), ".pdb")
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// imageCandidates lists the PE image names tried for a module requested by
// its PDB name.
func imageCandidates(pdbName string) []string {
	s := stem(pdbName)
	return []string{s + ".dll", s + ".exe", s + ".sys"}
}

func isPE(data []byte) bool {
	return len(data) >= 2 && data[0] == 'M' && data[1] == 'Z'
}

// Chain asks each provider in turn and returns the first module found.
type Chain []symbolicate.ModuleProvider

func (c Chain) FetchModule(ctx context.Context, name, debugID string) (*symbolicate.ModuleFiles, error) {
	var errs []error
	for _, p := range c {
		files, err := p.FetchModule(ctx, name, debugID)
		if err == nil {
			return files, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	return nil, errors.Join(errs...)
}

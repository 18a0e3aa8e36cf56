package generator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandialabs/canary/internal/specmodel"
)

// StubGenerator stands in for the out-of-scope .pyt/.vvt/CTest parsers in
// tests: it claims any file with Suffix and emits the UnresolvedSpecs
// Build returns for that file (or, when Build is nil, one parameterless
// spec whose family is the file's base name without Suffix), letting tests
// drive discovery, building, scheduling and execution without a real parser.
type StubGenerator struct {
	Suffix string
	Build  func(path string, bytes []byte) ([]specmodel.UnresolvedSpec, error)
}

func (s *StubGenerator) Name() string { return "stub" }

func (s *StubGenerator) Matches(path string) bool {
	return strings.HasSuffix(path, s.Suffix)
}

func (s *StubGenerator) Lock(_ context.Context, path string, _ Options) ([]specmodel.UnresolvedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.Build == nil {
		family := strings.TrimSuffix(filepath.Base(path), s.Suffix)
		return []specmodel.UnresolvedSpec{{
			FileRoot:   filepath.Dir(path),
			FilePath:   path,
			Family:     family,
			VCSRelPath: path,
			FileBytes:  data,
			Parameters: map[string]any{},
		}}, nil
	}
	return s.Build(path, data)
}

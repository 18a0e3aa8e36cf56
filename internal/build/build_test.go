package build

import (
	"context"
	"os"
	"testing"

	"github.com/sandialabs/canary/internal/generator"
	"github.com/sandialabs/canary/internal/specmodel"
)

func specFile(t *testing.T, family, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/" + family + ".stub"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunDetectsDuplicateIDs(t *testing.T) {
	dup := &generator.StubGenerator{Suffix: ".stub", Build: func(path string, _ []byte) ([]specmodel.UnresolvedSpec, error) {
		return []specmodel.UnresolvedSpec{
			{FilePath: path, Family: "dup", VCSRelPath: "dup.stub", FileBytes: []byte("same")},
		}, nil
	}}
	b := &Builder{Registry: generator.NewRegistry(dup)}

	p1 := specFile(t, "a", "x")
	p2 := specFile(t, "b", "x")
	_, err := b.Run(context.Background(), []string{p1, p2}, nil)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestRunArityMismatch(t *testing.T) {
	gen := &generator.StubGenerator{Suffix: ".stub", Build: func(path string, data []byte) ([]specmodel.UnresolvedSpec, error) {
		if string(data) == "dependent" {
			return []specmodel.UnresolvedSpec{{
				FilePath: path, Family: "dependent", VCSRelPath: path, FileBytes: data,
				DepPatterns: []specmodel.DependencyPatterns{{Patterns: []string{"missing*"}, Expects: "+"}},
			}}, nil
		}
		return []specmodel.UnresolvedSpec{{FilePath: path, Family: "base", VCSRelPath: path, FileBytes: data}}, nil
	}}
	b := &Builder{Registry: generator.NewRegistry(gen)}

	p1 := specFile(t, "base", "base")
	p2 := specFile(t, "dependent", "dependent")
	_, err := b.Run(context.Background(), []string{p1, p2}, nil)
	if err == nil {
		t.Fatal("expected arity-mismatch resolution error")
	}
}

func TestRunOrdersDependenciesFirst(t *testing.T) {
	gen := &generator.StubGenerator{Suffix: ".stub", Build: func(path string, data []byte) ([]specmodel.UnresolvedSpec, error) {
		body := string(data)
		spec := specmodel.UnresolvedSpec{FilePath: path, Family: body, VCSRelPath: path, FileBytes: data}
		if body == "child" {
			spec.DepPatterns = []specmodel.DependencyPatterns{{Patterns: []string{"parent"}, Expects: "1"}}
		}
		return []specmodel.UnresolvedSpec{spec}, nil
	}}
	b := &Builder{Registry: generator.NewRegistry(gen)}

	parent := specFile(t, "parent", "parent")
	child := specFile(t, "child", "child")
	out, err := b.Run(context.Background(), []string{child, parent}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, rs := range out {
		pos[rs.Family] = i
	}
	if pos["parent"] > pos["child"] {
		t.Fatalf("parent must precede child in resolution order, got %v", out)
	}
	var childSpec *specmodel.ResolvedSpec
	for _, rs := range out {
		if rs.Family == "child" {
			childSpec = rs
		}
	}
	if childSpec == nil || len(childSpec.Dependencies) != 1 {
		t.Fatalf("expected child to resolve exactly one dependency, got %+v", childSpec)
	}
	if err := childSpec.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

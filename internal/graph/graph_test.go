package graph

import (
	"reflect"
	"sort"
	"testing"
)

func lessStr(a, b string) bool { return a < b }

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	// b depends on a; c depends on a and b.
	g := Graph[string]{"a": nil, "b": {"a"}, "c": {"a", "b"}}
	order, err := TopoSort(g, lessStr)
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := Graph[string]{"a": {"b"}, "b": {"a"}}
	if _, err := TopoSort(g, lessStr); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestReachableForward(t *testing.T) {
	g := Graph[string]{"a": {"b"}, "b": {"c"}, "c": nil, "d": nil}
	got := ReachableForward(g, []string{"a"})
	sort.Strings(got)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestReverse(t *testing.T) {
	g := Graph[string]{"a": {"b"}, "b": nil}
	rev := Reverse(g)
	if !reflect.DeepEqual(rev["b"], []string{"a"}) {
		t.Fatalf("rev[b] = %v, want [a]", rev["b"])
	}
}

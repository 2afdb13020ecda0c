package compiler

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

func installable(subtype string) intent.Intent {
	return intent.Intent{Subtype: subtype, IsInstallable: true}
}

func TestRegistrySubtypeFallback(t *testing.T) {
	r := NewRegistry()
	r.Register("path", "", CompilerFunc(func(_ context.Context, in intent.Intent, _ []intent.Intent) ([]intent.Intent, error) {
		return []intent.Intent{installable("flow")}, nil
	}))
	// "link-collection" has no compiler of its own; it should fall back to
	// its declared parent "path" (spec.md §4.2).
	in := intent.Intent{Subtype: "link-collection", Parent: "path"}

	out, err := r.Compile(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Compile(): unexpected error: %v", err)
	}
	want := []intent.Intent{installable("flow")}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Compile(): -want, +got:\n%s", diff)
	}
}

func TestRegistryNoCompiler(t *testing.T) {
	r := NewRegistry()
	_, err := r.Compile(context.Background(), intent.Intent{Subtype: "unknown"}, nil)
	if err == nil {
		t.Fatal("Compile(): expected error for unregistered subtype, got nil")
	}
}

func TestRegistryRecursionBound(t *testing.T) {
	r := NewRegistry()
	// A compiler that always emits one more non-installable intent of the
	// same subtype never terminates on its own; the registry's depth bound
	// must stop it (spec.md §4.2: "Recursion bound: 10 levels").
	r.Register("loop", "", CompilerFunc(func(_ context.Context, in intent.Intent, _ []intent.Intent) ([]intent.Intent, error) {
		return []intent.Intent{{Subtype: "loop"}}, nil
	}))

	_, err := r.Compile(context.Background(), intent.Intent{Subtype: "loop"}, nil)
	if err == nil {
		t.Fatal("Compile(): expected CompilationDepth error, got nil")
	}
}

func TestRegistryRecursesIntoNonInstallables(t *testing.T) {
	r := NewRegistry()
	r.Register("composite", "", CompilerFunc(func(_ context.Context, in intent.Intent, _ []intent.Intent) ([]intent.Intent, error) {
		return []intent.Intent{{Subtype: "leaf"}}, nil
	}))
	r.Register("leaf", "", CompilerFunc(func(_ context.Context, in intent.Intent, _ []intent.Intent) ([]intent.Intent, error) {
		return []intent.Intent{installable("flow")}, nil
	}))

	out, err := r.Compile(context.Background(), intent.Intent{Subtype: "composite"}, nil)
	if err != nil {
		t.Fatalf("Compile(): unexpected error: %v", err)
	}
	if diff := cmp.Diff([]intent.Intent{installable("flow")}, out); diff != "" {
		t.Errorf("Compile(): -want, +got:\n%s", diff)
	}
}

// Package compiler implements the subtype-keyed compiler registry that
// turns an intent into zero or more installable sub-intents (spec.md
// §4.2). It is grounded on the teacher's subtype/type dispatch in
// internal/controller/pkg/revision/dependency.go, generalized from
// "package type" to "intent subtype", and on the registry shape of
// internal/engine.ControllerEngine (a mutex-protected map of named
// entries, mutated only through explicit Register/Unregister calls).
package compiler

import (
	"context"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// A Compiler produces the installable sub-intents for one intent subtype.
// previous holds the installables compiled for the intent on its last
// successful pass, so a compiler can diff against them instead of always
// replacing wholesale.
type Compiler interface {
	Compile(ctx context.Context, in intent.Intent, previous []intent.Intent) ([]intent.Intent, error)
}

// CompilerFunc adapts a function to a Compiler.
type CompilerFunc func(ctx context.Context, in intent.Intent, previous []intent.Intent) ([]intent.Intent, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(ctx context.Context, in intent.Intent, previous []intent.Intent) ([]intent.Intent, error) {
	return f(ctx, in, previous)
}

// Registry maps intent subtypes to compilers. On a lookup miss it falls
// back to the parent subtype the compiling intent names inline (see lookup).
type Registry struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
	parents   map[string]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		compilers: make(map[string]Compiler),
		parents:   make(map[string]string),
	}
}

// Register associates subtype with c and records parent alongside it; pass
// "" if subtype has no parent. Because lookup returns c as soon as subtype
// is probed, and Unregister drops the recorded parent together with c, the
// parent recorded here is never followed during lookup.
func (r *Registry) Register(subtype string, parent string, c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compilers[subtype] = c
	r.parents[subtype] = parent
}

// Unregister removes the compiler registered for subtype, if any.
func (r *Registry) Unregister(subtype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compilers, subtype)
	delete(r.parents, subtype)
}

// lookup probes subtype, then fallback, and returns the first compiler
// found. fallback is the calling intent's own Parent field, so an intent
// can name its fallback inline instead of requiring every subtype to be
// pre-registered purely to declare a parent. The walk goes no further than
// one level: if fallback has no compiler of its own, lookup fails with
// ErrNoCompiler, since the registry holds no parent for an unregistered
// subtype.
func (r *Registry) lookup(subtype, fallback string) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	t := subtype
	for t != "" {
		if seen[t] {
			// A parent cycle would otherwise spin forever; treat it the
			// same as exhaustion.
			break
		}
		seen[t] = true
		if c, ok := r.compilers[t]; ok {
			return c, nil
		}
		if parent, ok := r.parents[t]; ok {
			t = parent
			continue
		}
		if t == subtype && fallback != "" {
			t = fallback
			continue
		}
		break
	}
	return nil, errors.Wrapf(intent.ErrNoCompiler, "subtype %q", subtype)
}

// Compile produces the installable sub-intents for in, recursing into
// compilers for any non-installable intents the first pass returns. The
// recursion is bounded by intent.MaxCompilationDepth (spec.md §4.2).
func (r *Registry) Compile(ctx context.Context, in intent.Intent, previous []intent.Intent) ([]intent.Intent, error) {
	return r.compile(ctx, in, previous, 0)
}

func (r *Registry) compile(ctx context.Context, in intent.Intent, previous []intent.Intent, depth int) ([]intent.Intent, error) {
	if depth >= intent.MaxCompilationDepth {
		return nil, errors.Wrapf(intent.ErrCompilationDepth, "subtype %q exceeded %d levels", in.Subtype, intent.MaxCompilationDepth)
	}

	c, err := r.lookup(in.Subtype, in.Parent)
	if err != nil {
		return nil, err
	}

	out, err := c.Compile(ctx, in, previous)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %q", in.Subtype)
	}

	var installables []intent.Intent
	for _, sub := range out {
		if sub.Installable() {
			installables = append(installables, sub)
			continue
		}
		nested, err := r.compile(ctx, sub, nil, depth+1)
		if err != nil {
			return nil, err
		}
		installables = append(installables, nested...)
	}
	return installables, nil
}

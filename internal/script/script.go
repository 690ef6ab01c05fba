// Package script runs JavaScript job bodies using goja. Job files declare
// their work as small scripts; the CLI evaluates each one on the fiber that
// the scheduler assigns, with the results of its dependencies in scope.
package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Context carries the bindings visible to a script.
type Context struct {
	// Job describes the calling job: id, name, worker.
	Job map[string]any
	// Deps maps dependency job ids to their results.
	Deps map[string]any
}

// Evaluator runs job scripts. Each Run gets a fresh VM, so scripts cannot
// leak state into each other; the prelude is re-run per evaluation.
type Evaluator struct {
	prelude []string
}

// NewEvaluator creates an evaluator. The prelude contains JavaScript
// sources (helper functions) loaded before every script.
func NewEvaluator(prelude []string) *Evaluator {
	return &Evaluator{prelude: prelude}
}

func (e *Evaluator) setupVM(ctx *Context) (*goja.Runtime, error) {
	vm := goja.New()

	for i, lib := range e.prelude {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("prelude[%d]: %w", i, err)
		}
	}

	job := ctx.Job
	if job == nil {
		job = map[string]any{}
	}
	deps := ctx.Deps
	if deps == nil {
		deps = map[string]any{}
	}
	if err := vm.Set("job", job); err != nil {
		return nil, fmt.Errorf("set job: %w", err)
	}
	if err := vm.Set("deps", deps); err != nil {
		return nil, fmt.Errorf("set deps: %w", err)
	}

	return vm, nil
}

// Run evaluates one script and returns its value.
//
// A script is either a single expression ("deps.fetch * 2") or a statement
// body with an explicit return ("var x = 1; return x"). Expression form is
// tried first; sources that do not parse as an expression are wrapped in a
// function body.
func (e *Evaluator) Run(src string, ctx *Context) (any, error) {
	if src == "" {
		return nil, fmt.Errorf("empty script")
	}

	vm, err := e.setupVM(ctx)
	if err != nil {
		return nil, err
	}

	var val goja.Value
	if prog, cerr := goja.Compile("script", "("+src+"\n)", false); cerr == nil {
		val, err = vm.RunProgram(prog)
	} else {
		wrapped := fmt.Sprintf("(function() { %s })()", src)
		val, err = vm.RunString(wrapped)
	}
	if err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	if val == nil || goja.IsUndefined(val) {
		return nil, fmt.Errorf("script returned undefined (missing return or invalid property access)")
	}
	if goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

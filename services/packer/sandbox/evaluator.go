// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox evaluates extracted chunk-name expressions in an isolated,
// single-use JavaScript context.
//
// Each Evaluate call builds a fresh goja runtime with no host bindings: no
// network, filesystem, process, or timers exist, and the capability-bearing
// or nondeterministic built-ins are removed before any untrusted code runs.
// Nothing persists between calls, so repeated evaluation of the same
// expression and id is deterministic and side-effect free. That isolation is
// the safety property the rest of the pipeline depends on, since the
// expressions originate from untrusted remote code.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/pattern"
)

// Evaluation failure sentinels.
var (
	// ErrTimeout is returned when an evaluation exceeds its step budget and
	// is aborted. The chunk id is marked failed; the run continues.
	ErrTimeout = errors.New("sandbox evaluation exceeded budget")

	// ErrFault is returned when the expression throws, references a
	// forbidden global, or otherwise fails to produce a value.
	ErrFault = errors.New("sandbox evaluation faulted")

	// ErrNotAName is returned when evaluation succeeds but the result is
	// not a usable file name fragment (non-string, empty, or containing an
	// interpolated "undefined" from a missed map lookup).
	ErrNotAName = errors.New("sandbox result is not a file name")
)

// DefaultBudget is the per-call wall-clock budget.
const DefaultBudget = 200 * time.Millisecond

// removedGlobals are deleted from every fresh runtime before untrusted code
// runs. They either reopen code loading (eval, Function), expose the global
// object for probing (globalThis, Reflect, Proxy), or break determinism
// (Date).
var removedGlobals = []string{"eval", "Function", "globalThis", "Reflect", "Proxy", "Date"}

// EvaluatorOptions configures Evaluator behavior.
type EvaluatorOptions struct {
	// Budget is the wall-clock limit per Evaluate call.
	// Default: 200ms
	Budget time.Duration

	// MaxCallStack bounds recursion inside the runtime.
	// Default: 256
	MaxCallStack int
}

// DefaultEvaluatorOptions returns sensible defaults.
func DefaultEvaluatorOptions() EvaluatorOptions {
	return EvaluatorOptions{
		Budget:       DefaultBudget,
		MaxCallStack: 256,
	}
}

// EvaluatorOption is a functional option for configuring Evaluator.
type EvaluatorOption func(*EvaluatorOptions)

// WithBudget sets the per-call wall-clock budget.
func WithBudget(d time.Duration) EvaluatorOption {
	return func(o *EvaluatorOptions) {
		o.Budget = d
	}
}

// WithMaxCallStack bounds recursion inside the runtime.
func WithMaxCallStack(n int) EvaluatorOption {
	return func(o *EvaluatorOptions) {
		o.MaxCallStack = n
	}
}

// Evaluator runs extracted expressions against candidate chunk ids.
//
// Thread Safety:
//
//	Safe for concurrent use. Every call constructs its own runtime; the
//	evaluator itself holds only immutable configuration.
type Evaluator struct {
	options EvaluatorOptions
}

// NewEvaluator creates an Evaluator with the given options.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	options := DefaultEvaluatorOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Evaluator{options: options}
}

// Evaluate runs one extracted expression with the chunk id bound.
//
// Description:
//
//	Builds a single-use runtime, loads the assembled program (captured
//	literal constants plus the mapping function), and calls the function
//	with the id. Numeric-looking ids are passed as numbers, matching how
//	bundler runtimes index their literal maps; everything else is passed
//	as a string.
//
// Inputs:
//
//	ctx - Bounds the call together with the configured budget.
//	x   - The extracted expression. Must not be nil.
//	id  - The candidate chunk id.
//
// Outputs:
//
//	string - The resolved file name fragment.
//	error  - ErrTimeout, ErrFault, or ErrNotAName (wrapped).
func (e *Evaluator) Evaluate(ctx context.Context, x *pattern.Extracted, id string) (string, error) {
	if x == nil {
		return "", fmt.Errorf("%w: nil expression", ErrFault)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.options.MaxCallStack)
	global := vm.GlobalObject()
	for _, name := range removedGlobals {
		if err := global.Delete(name); err != nil {
			return "", fmt.Errorf("%w: removing %s: %v", ErrFault, name, err)
		}
	}
	// Math.random is the one remaining nondeterminism source; pin it.
	if math, ok := vm.Get("Math").(*goja.Object); ok && math != nil {
		_ = math.Set("random", func() float64 { return 0 })
	}

	budget := e.options.Budget
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < budget {
			budget = until
		}
	}
	if budget <= 0 {
		return "", fmt.Errorf("%w: %s", ErrTimeout, x.Provenance)
	}
	timer := time.AfterFunc(budget, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	value, err := vm.RunString(x.Program())
	if err != nil {
		return "", classifyGojaError(err, x.Provenance)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return "", fmt.Errorf("%w: program at %s did not yield a function", ErrFault, x.Provenance)
	}

	result, err := fn(goja.Undefined(), vm.ToValue(coerceID(id)))
	if err != nil {
		return "", classifyGojaError(err, x.Provenance)
	}

	return fragmentFromValue(result, x.Provenance)
}

// coerceID converts digit-only ids to numbers so literal maps keyed by
// numbers resolve; all other ids stay strings.
func coerceID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// classifyGojaError maps a goja failure to the sandbox taxonomy.
func classifyGojaError(err error, provenance string) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %s", ErrTimeout, provenance)
	}
	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return fmt.Errorf("%w: call stack exhausted at %s", ErrFault, provenance)
	}
	return fmt.Errorf("%w: %s: %v", ErrFault, provenance, err)
}

// fragmentFromValue validates that an evaluation result is a usable name.
func fragmentFromValue(v goja.Value, provenance string) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", fmt.Errorf("%w: nil result at %s", ErrNotAName, provenance)
	}
	exported := v.Export()
	s, ok := exported.(string)
	if !ok {
		return "", fmt.Errorf("%w: %T result at %s", ErrNotAName, exported, provenance)
	}
	// A missed map lookup interpolates "undefined" into the name; such a
	// fragment would fetch a file that does not exist.
	if s == "" || strings.Contains(s, "undefined") {
		return "", fmt.Errorf("%w: %q at %s", ErrNotAName, s, provenance)
	}
	return s, nil
}

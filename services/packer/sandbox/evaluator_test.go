// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/pattern"
)

func TestEvaluate_ObjectMap(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `"static/js/" + e + "." + {1: "b3f2", 2: "c881"}[e] + ".chunk.js"`,
		Provenance: "test:1",
	}

	got, err := NewEvaluator().Evaluate(context.Background(), x, "1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != "static/js/1.b3f2.chunk.js" {
		t.Errorf("got %q", got)
	}
}

func TestEvaluate_NumericIDCoercion(t *testing.T) {
	// A digits-only id must index a number-keyed map; a non-numeric id
	// must stay a string.
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `"js/" + {7: "seven", app: "main"}[e] + ".js"`,
		Provenance: "test:1",
	}
	ev := NewEvaluator()

	got, err := ev.Evaluate(context.Background(), x, "7")
	if err != nil {
		t.Fatalf("numeric id failed: %v", err)
	}
	if got != "js/seven.js" {
		t.Errorf("numeric id: got %q", got)
	}

	got, err = ev.Evaluate(context.Background(), x, "app")
	if err != nil {
		t.Fatalf("string id failed: %v", err)
	}
	if got != "js/main.js" {
		t.Errorf("string id: got %q", got)
	}
}

func TestEvaluate_EnvironmentBindings(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `"js/" + table[e] + ".js"`,
		Env:        map[string]string{"table": `{10: "alpha"}`},
		Provenance: "test:2",
	}

	got, err := NewEvaluator().Evaluate(context.Background(), x, "10")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != "js/alpha.js" {
		t.Errorf("got %q", got)
	}
}

func TestEvaluate_MissedLookupRejected(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `"js/" + {1: "a"}[e] + ".js"`,
		Provenance: "test:3",
	}

	_, err := NewEvaluator().Evaluate(context.Background(), x, "99")
	if !errors.Is(err, ErrNotAName) {
		t.Fatalf("expected ErrNotAName for undefined lookup, got %v", err)
	}
}

func TestEvaluate_NonStringRejected(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `e * 2`,
		Provenance: "test:4",
	}

	_, err := NewEvaluator().Evaluate(context.Background(), x, "3")
	if !errors.Is(err, ErrNotAName) {
		t.Fatalf("expected ErrNotAName for numeric result, got %v", err)
	}
}

func TestEvaluate_InfiniteLoopTimesOut(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `(function(){ while (true) {} })()`,
		Provenance: "test:5",
	}

	start := time.Now()
	_, err := NewEvaluator(WithBudget(50 * time.Millisecond)).Evaluate(context.Background(), x, "1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took too long: %v", elapsed)
	}
}

func TestEvaluate_ThrowIsFault(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `(function(){ throw new Error("boom"); })()`,
		Provenance: "test:6",
	}

	_, err := NewEvaluator().Evaluate(context.Background(), x, "1")
	if !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault, got %v", err)
	}
}

func TestEvaluate_RemovedGlobalsUnavailable(t *testing.T) {
	for _, name := range removedGlobals {
		x := &pattern.Extracted{
			Param:      "e",
			Body:       `typeof ` + name + ` === "undefined" ? "gone.js" : "present.js"`,
			Provenance: "test:7",
		}
		got, err := NewEvaluator().Evaluate(context.Background(), x, "1")
		if err != nil {
			t.Fatalf("probing %s failed: %v", name, err)
		}
		if got != "gone.js" {
			t.Errorf("%s must be removed from the runtime", name)
		}
	}
}

func TestEvaluate_MathRandomPinned(t *testing.T) {
	x := &pattern.Extracted{
		Param:      "e",
		Body:       `"r" + Math.random() + ".js"`,
		Provenance: "test:8",
	}
	ev := NewEvaluator()

	first, err := ev.Evaluate(context.Background(), x, "1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	second, err := ev.Evaluate(context.Background(), x, "1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if first != second || first != "r0.js" {
		t.Errorf("Math.random must be pinned: %q vs %q", first, second)
	}
}

func TestEvaluate_NoStateLeaksBetweenCalls(t *testing.T) {
	ev := NewEvaluator()
	plant := &pattern.Extracted{
		Param:      "e",
		Body:       `(leak = "planted", "x.js")`,
		Provenance: "test:9",
	}
	if _, err := ev.Evaluate(context.Background(), plant, "1"); err != nil {
		t.Fatalf("plant failed: %v", err)
	}

	probe := &pattern.Extracted{
		Param:      "e",
		Body:       `typeof leak === "undefined" ? "clean.js" : "leaked.js"`,
		Provenance: "test:10",
	}
	got, err := ev.Evaluate(context.Background(), probe, "1")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got != "clean.js" {
		t.Errorf("state leaked between runtimes")
	}
}

func TestEvaluate_ExpiredContextDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	x := &pattern.Extracted{Param: "e", Body: `"a.js"`, Provenance: "test:11"}
	_, err := NewEvaluator().Evaluate(ctx, x, "1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for expired deadline, got %v", err)
	}
}

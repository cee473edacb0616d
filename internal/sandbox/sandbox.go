//file: internal/sandbox/sandbox.go

// Package sandbox executes user scripts in throwaway JavaScript runtimes.
// Scripts receive a private deep copy of the message, a muted console and
// a read-only db facade; a hard interrupt enforces the per-run timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

// ErrTimeout is returned when a script exceeds its execution budget.
var ErrTimeout = errors.New("script timeout")

// Queryer is the read-only store surface handed to scripts.
type Queryer interface {
	QueryAll(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	QueryOne(ctx context.Context, query string, args ...any) (map[string]any, error)
}

// Runner compiles scripts once and runs each execution in a fresh
// runtime, so no state leaks between runs.
type Runner struct {
	store Queryer

	programMu    sync.RWMutex
	programCache map[string]*goja.Program
}

func NewRunner(q Queryer) *Runner {
	return &Runner{
		store:        q,
		programCache: make(map[string]*goja.Program),
	}
}

// The script body becomes an async function so `await db.all(...)` works.
// The message arrives as JSON text and is parsed inside the runtime, so
// every run gets its own deep copy; scripts may mutate it freely and
// return it for publishing without touching the caller's data.
const scriptPrologue = `(function(__msgText, __db, __console) {
"use strict";
var __msg = JSON.parse(__msgText);
return (async function(msg, db, console) {
`

const scriptEpilogue = `
})(__msg, __db, __console);
})`

// Compile parses and caches a script. Callers may use it to validate
// code ahead of time; Execute compiles on demand otherwise.
func (r *Runner) Compile(code string) (*goja.Program, error) {
	r.programMu.RLock()
	if program, ok := r.programCache[code]; ok {
		r.programMu.RUnlock()
		return program, nil
	}
	r.programMu.RUnlock()

	program, err := goja.Compile("script", scriptPrologue+code+scriptEpilogue, true)
	if err != nil {
		return nil, fmt.Errorf("script compile error: %w", err)
	}

	r.programMu.Lock()
	// Another goroutine may have compiled the same code meanwhile
	if existing, ok := r.programCache[code]; ok {
		r.programMu.Unlock()
		return existing, nil
	}
	r.programCache[code] = program
	r.programMu.Unlock()

	return program, nil
}

// Execute runs a script against one message. msgJSON is the canonical
// payload text. The returned value is the script's result exported to
// plain Go values; nil when the script returned null or undefined.
func (r *Runner) Execute(ctx context.Context, code, msgJSON string, timeout time.Duration) (any, error) {
	program, err := r.Compile(code)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vm := goja.New()

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()
	defer vm.ClearInterrupt()

	entryVal, err := vm.RunProgram(program)
	if err != nil {
		return nil, r.classify(err)
	}
	entry, ok := goja.AssertFunction(entryVal)
	if !ok {
		return nil, fmt.Errorf("script did not produce a callable entry")
	}

	res, err := entry(goja.Undefined(),
		vm.ToValue(msgJSON),
		r.newDBFacade(ctx, vm),
		newMutedConsole(vm),
	)
	if err != nil {
		return nil, r.classify(err)
	}

	promise, ok := res.Export().(*goja.Promise)
	if !ok {
		return exportValue(res), nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return exportValue(promise.Result()), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("script error: %s", promiseRejection(promise.Result()))
	default:
		// Settling requires an external resolution that never comes;
		// the db facade is synchronous, so this is a script bug.
		return nil, fmt.Errorf("script did not complete")
	}
}

// classify maps an interrupt back to the timeout sentinel and keeps
// script exceptions readable.
func (r *Runner) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok && errors.Is(v, ErrTimeout) {
			return ErrTimeout
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		return fmt.Errorf("script error: %s", jsErr.Value().String())
	}
	return err
}

func (r *Runner) newDBFacade(ctx context.Context, vm *goja.Runtime) *goja.Object {
	db := vm.NewObject()

	_ = db.Set("all", func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		if err := store.ValidateReadOnly(query); err != nil {
			panic(vm.NewGoError(err))
		}
		rows, err := r.store.QueryAll(ctx, query)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(rows)
	})

	_ = db.Set("get", func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		if err := store.ValidateReadOnly(query); err != nil {
			panic(vm.NewGoError(err))
		}
		row, err := r.store.QueryOne(ctx, query)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if row == nil {
			return goja.Null()
		}
		return vm.ToValue(row)
	})

	return db
}

func newMutedConsole(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, noop)
	}
	return console
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func promiseRejection(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// IsTruthy applies JavaScript truthiness to an exported script result.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// Package middleware provides hook-based middleware for step execution.
// Middleware observe and augment the engine's handler calls: a pipeline
// runs each middleware's phases around the handler and converts handler
// panics into errors so one bad step cannot take down the engine.
package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gantry-io/gantry/id"
)

// Invocation describes one handler call flowing through the pipeline.
type Invocation struct {
	ExecutionID id.ExecutionID
	Workflow    string
	Step        string
	Attempt     int
	StartedAt   time.Time
}

// Context carries values between one middleware's phases within a
// single invocation. Each middleware gets its own Context; writes are
// invisible to other middleware and to the handler.
type Context map[string]any

// Middleware hooks into the phases of a handler call. BeforeExecute
// runs before the handler; returning an error aborts the call.
// AfterExecute runs only when the handler succeeded, OnError only when
// it failed, and OnComplete always, after the others.
type Middleware interface {
	Name() string
	BeforeExecute(ctx context.Context, inv *Invocation, mc Context) error
	AfterExecute(ctx context.Context, inv *Invocation, mc Context)
	OnError(ctx context.Context, inv *Invocation, mc Context, err error)
	OnComplete(ctx context.Context, inv *Invocation, mc Context, err error)
}

// Base provides no-op phases so middleware implement only the hooks
// they need.
type Base struct{}

func (Base) BeforeExecute(context.Context, *Invocation, Context) error { return nil }
func (Base) AfterExecute(context.Context, *Invocation, Context)        {}
func (Base) OnError(context.Context, *Invocation, Context, error)      {}
func (Base) OnComplete(context.Context, *Invocation, Context, error)   {}

// Handler is the terminal function the pipeline wraps.
type Handler func(ctx context.Context) error

// Pipeline runs middleware around handler calls. Every phase runs in
// registration order; OnComplete runs after the others. Safe for
// concurrent use once built.
type Pipeline struct {
	mws []Middleware
}

// NewPipeline builds a pipeline from the given middleware.
func NewPipeline(mws ...Middleware) *Pipeline {
	return &Pipeline{mws: mws}
}

// Use appends middleware. Not safe once Run is being called.
func (p *Pipeline) Use(mws ...Middleware) {
	p.mws = append(p.mws, mws...)
}

// Len returns the number of registered middleware.
func (p *Pipeline) Len() int { return len(p.mws) }

// Run executes the handler inside the middleware phases. A panic in
// the handler is recovered and returned as an error. If a middleware's
// BeforeExecute fails, the handler is skipped and the middleware that
// already ran get their error and complete phases with that error.
func (p *Pipeline) Run(ctx context.Context, inv *Invocation, handler Handler) error {
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}

	contexts := make([]Context, len(p.mws))
	ran := 0
	var err error
	for i, mw := range p.mws {
		contexts[i] = make(Context)
		if beforeErr := mw.BeforeExecute(ctx, inv, contexts[i]); beforeErr != nil {
			err = fmt.Errorf("middleware %s: %w", mw.Name(), beforeErr)
			break
		}
		ran++
	}

	if err == nil {
		err = p.invoke(ctx, handler)
	}

	if err != nil {
		for i := 0; i < ran; i++ {
			p.mws[i].OnError(ctx, inv, contexts[i], err)
		}
	} else {
		for i := 0; i < ran; i++ {
			p.mws[i].AfterExecute(ctx, inv, contexts[i])
		}
	}
	for i := 0; i < ran; i++ {
		p.mws[i].OnComplete(ctx, inv, contexts[i], err)
	}
	return err
}

func (p *Pipeline) invoke(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx)
}

// Package embedding defines the text-to-vector contract consumed by the
// answer cache and an OpenAI-compatible client that satisfies it.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyVector is reported when a provider returns no dimensions.
var ErrEmptyVector = errors.New("embedding: empty vector")

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts an ordinary function to the Embedder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed calls f(ctx, text).
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Result is the outcome of an embedding attempt. A Result is either Ok,
// carrying a vector, or Unavailable, carrying the reason.
type Result struct {
	Vector []float32
	Reason error
}

// Ok reports whether a usable vector is present.
func (r Result) Ok() bool {
	return r.Reason == nil && len(r.Vector) > 0
}

// Unavailable returns a Result that carries only a failure reason.
func Unavailable(reason error) Result {
	return Result{Reason: reason}
}

// Compute runs e against text and folds every failure mode, including a
// panicking Embedder, into an Unavailable result.
func Compute(ctx context.Context, e Embedder, text string) (res Result) {
	if e == nil {
		return Unavailable(errors.New("embedding: no embedder configured"))
	}
	defer func() {
		if p := recover(); p != nil {
			res = Unavailable(fmt.Errorf("embedding: embedder panicked: %v", p))
		}
	}()

	vec, err := e.Embed(ctx, text)
	if err != nil {
		return Unavailable(err)
	}
	if len(vec) == 0 {
		return Unavailable(ErrEmptyVector)
	}
	return Result{Vector: vec}
}

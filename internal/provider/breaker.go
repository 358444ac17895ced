package provider

import (
	"context"

	"github.com/tiancizhou/teacher/internal/circuitbreaker"
	"github.com/tiancizhou/teacher/internal/errs"
)

// WithBreaker guards a Provider with a circuit breaker on the upstream
// endpoint. While the breaker is open, calls fail fast with AI_ERROR and no
// credential is consumed upstream.
func WithBreaker(p Provider, b *circuitbreaker.Breaker) Provider {
	return &guarded{next: p, breaker: b}
}

type guarded struct {
	next    Provider
	breaker *circuitbreaker.Breaker
}

func (g *guarded) Name() string { return g.next.Name() }

func (g *guarded) AnalyzeImage(ctx context.Context, imageBase64, promptText, apiKey string) (string, error) {
	if err := g.breaker.Allow(); err != nil {
		return "", errs.Wrap(errs.CodeAIError, err.Error(), err)
	}
	text, err := g.next.AnalyzeImage(ctx, imageBase64, promptText, apiKey)
	g.breaker.Record(err)
	return text, err
}

func (g *guarded) AnalyzeImageStream(ctx context.Context, imageBase64, promptText, apiKey string, onToken func(string)) (string, error) {
	if err := g.breaker.Allow(); err != nil {
		return "", errs.Wrap(errs.CodeAIError, err.Error(), err)
	}
	text, err := g.next.AnalyzeImageStream(ctx, imageBase64, promptText, apiKey, onToken)
	g.breaker.Record(err)
	return text, err
}

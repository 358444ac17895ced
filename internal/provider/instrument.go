package provider

import (
	"context"
	"time"

	"github.com/tiancizhou/teacher/internal/metrics"
)

// Instrument wraps a Provider so every upstream call and time-to-first-token
// lands in Prometheus.
func Instrument(p Provider, m *metrics.Metrics) Provider {
	return &instrumented{next: p, metrics: m}
}

type instrumented struct {
	next    Provider
	metrics *metrics.Metrics
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) AnalyzeImage(ctx context.Context, imageBase64, promptText, apiKey string) (string, error) {
	text, err := i.next.AnalyzeImage(ctx, imageBase64, promptText, apiKey)
	i.metrics.RecordUpstreamCall(i.next.Name(), err)
	return text, err
}

func (i *instrumented) AnalyzeImageStream(ctx context.Context, imageBase64, promptText, apiKey string, onToken func(string)) (string, error) {
	started := time.Now()
	first := false
	text, err := i.next.AnalyzeImageStream(ctx, imageBase64, promptText, apiKey, func(token string) {
		if !first {
			first = true
			i.metrics.RecordFirstToken(i.next.Name(), time.Since(started).Seconds())
		}
		onToken(token)
	})
	i.metrics.RecordUpstreamCall(i.next.Name(), err)
	return text, err
}

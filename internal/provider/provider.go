// Package provider adapts the upstream multimodal inference endpoints. Each
// provider speaks its own wire protocol but exposes the same two calls: a
// blocking analysis and a token-streaming analysis.
package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tiancizhou/teacher/internal/config"
)

// Provider is the upstream vision-model contract. Implementations must treat
// empty model output as an error; the engine relies on that to retry.
type Provider interface {
	// AnalyzeImage sends one image plus prompt and blocks for the full
	// critique text.
	AnalyzeImage(ctx context.Context, imageBase64, prompt, apiKey string) (string, error)

	// AnalyzeImageStream streams the critique, invoking onToken for every
	// non-empty content fragment, and returns the accumulated full text.
	AnalyzeImageStream(ctx context.Context, imageBase64, prompt, apiKey string, onToken func(string)) (string, error)

	// Name identifies the provider ("openai", "anthropic").
	Name() string
}

// New selects the provider named by the configuration.
func New(cfg config.AIConfig) (Provider, error) {
	blocking, streaming := newHTTPClients(cfg.RequestTimeoutSeconds)
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return &OpenAI{cfg: cfg.OpenAI, client: blocking, streamClient: streaming}, nil
	case "anthropic":
		return &Anthropic{cfg: cfg.Anthropic, client: blocking}, nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

// streamReadTimeout bounds a full streaming exchange. Individual chunks keep
// the connection alive well past the blocking read timeout.
const streamReadTimeout = 180 * time.Second

func newHTTPClients(requestTimeoutSeconds int) (blocking, streaming *http.Client) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
	blocking = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(requestTimeoutSeconds) * time.Second,
	}
	streaming = &http.Client{
		Transport: transport,
		Timeout:   streamReadTimeout,
	}
	return blocking, streaming
}

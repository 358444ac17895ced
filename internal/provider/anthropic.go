package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/errs"
)

// Anthropic speaks the messages protocol with base64 image source blocks.
type Anthropic struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Anthropic) AnalyzeImage(ctx context.Context, imageBase64, prompt, apiKey string) (string, error) {
	body := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicBlock{
				{Type: "image", Source: &anthropicSource{
					Type:      "base64",
					MediaType: "image/jpeg",
					Data:      imageBase64,
				}},
				{Type: "text", Text: prompt},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", errs.Wrap(errs.CodeAIError, "构建请求体失败", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.CodeAIError, "调用 Anthropic API 时发生网络错误", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		slog.Error("Anthropic call failed", "status", resp.StatusCode, "body", truncateBody(raw))
		return "", errs.Newf(errs.CodeAIError, "Anthropic API 返回错误: %d", resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errs.Wrap(errs.CodeAIError, "Anthropic 响应解析失败", err)
	}

	var full strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			full.WriteString(block.Text)
		}
	}
	if full.Len() == 0 {
		return "", errs.New(errs.CodeAIError, "Anthropic API 返回空内容")
	}

	slog.Debug("Anthropic response received", "chars", len([]rune(full.String())))
	return full.String(), nil
}

// AnalyzeImageStream satisfies the streaming contract by running the blocking
// call and forwarding the whole critique as a single token. Messages-style
// chunked streaming is not wired up; callers still get their terminal result.
func (p *Anthropic) AnalyzeImageStream(ctx context.Context, imageBase64, prompt, apiKey string, onToken func(string)) (string, error) {
	full, err := p.AnalyzeImage(ctx, imageBase64, prompt, apiKey)
	if err != nil {
		return "", err
	}
	onToken(full)
	return full, nil
}

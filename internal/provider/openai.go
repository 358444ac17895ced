package provider

import (
	"bufio"
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

// OpenAI speaks the chat-completions protocol with vision content parts.
// Any OpenAI-compatible gateway works through the configurable base URL.
type OpenAI struct {
	cfg          config.OpenAIConfig
	client       *http.Client
	streamClient *http.Client
}

func (p *OpenAI) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *OpenAI) buildRequest(ctx context.Context, imageBase64, prompt, apiKey string, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL:    "data:image/jpeg;base64," + imageBase64,
					Detail: "high",
				}},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeAIError, "构建请求体失败", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (p *OpenAI) AnalyzeImage(ctx context.Context, imageBase64, prompt, apiKey string) (string, error) {
	req, err := p.buildRequest(ctx, imageBase64, prompt, apiKey, false)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.CodeAIError, "调用 OpenAI API 时发生网络错误", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		slog.Error("OpenAI call failed", "status", resp.StatusCode, "body", truncateBody(raw))
		return "", errs.Newf(errs.CodeAIError, "OpenAI API 返回错误: %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errs.Wrap(errs.CodeAIError, "OpenAI 响应解析失败", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", errs.New(errs.CodeAIError, "OpenAI API 返回空内容")
	}

	content := parsed.Choices[0].Message.Content
	slog.Info("OpenAI response received", "chars", len([]rune(content)))
	return content, nil
}

func (p *OpenAI) AnalyzeImageStream(ctx context.Context, imageBase64, prompt, apiKey string, onToken func(string)) (string, error) {
	req, err := p.buildRequest(ctx, imageBase64, prompt, apiKey, true)
	if err != nil {
		return "", err
	}

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.CodeAIError, "SSE 流式调用时发生网络错误", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		slog.Error("OpenAI stream call failed", "status", resp.StatusCode, "body", truncateBody(raw))
		return "", errs.Newf(errs.CodeAIError, "OpenAI API 返回错误: %d", resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(line[len("data: "):])
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Chunks without content deltas (role chunks, usage) are skipped.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			onToken(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errs.Wrap(errs.CodeAIError, "SSE 流式调用时发生网络错误", err)
	}

	if full.Len() == 0 {
		return "", errs.New(errs.CodeAIError, "AI 返回空内容")
	}
	slog.Info("OpenAI stream complete", "chars", len([]rune(full.String())))
	return full.String(), nil
}

// truncateBody keeps error logs readable when a gateway returns HTML pages.
func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

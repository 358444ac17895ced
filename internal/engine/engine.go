// Package engine orchestrates one grading request end to end: image
// preconditioning, credential leasing, the upstream call, critique parsing
// and result assembly. Blocking and streaming entry points exist for both
// the whole-page and single-character modes.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/core"
	"github.com/tiancizhou/teacher/internal/dispatcher"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/ids"
	"github.com/tiancizhou/teacher/internal/imaging"
	"github.com/tiancizhou/teacher/internal/prompt"
	"github.com/tiancizhou/teacher/internal/provider"
)

// Engine runs grading requests. All upstream calls lease credentials
// through the dispatcher so rate admission and retry apply uniformly.
type Engine struct {
	provider   provider.Provider
	dispatcher *dispatcher.Dispatcher
	cfg        config.AIConfig
}

func New(p provider.Provider, d *dispatcher.Dispatcher, cfg config.AIConfig) *Engine {
	return &Engine{provider: p, dispatcher: d, cfg: cfg}
}

// GradeWholePage grades a full homework page in one blocking upstream call.
func (e *Engine) GradeWholePage(ctx context.Context, imageBytes []byte) (*core.BatchResult, error) {
	start := time.Now()
	taskID := ids.WithPrefix("task")
	slog.Info("whole-page grading started", "taskId", taskID, "imageBytes", len(imageBytes))

	imageBase64, err := e.precondition(imageBytes)
	if err != nil {
		return nil, err
	}

	fullText, err := dispatcher.ExecuteWithRetry(ctx, e.dispatcher, func(apiKey string) (string, error) {
		return e.provider.AnalyzeImage(ctx, imageBase64, prompt.WholePage, apiKey)
	})
	if err != nil {
		return nil, err
	}

	result := parseBatchResponse(fullText, taskID)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	result.CreatedAt = core.Now()
	result.ClampScores()

	slog.Info("whole-page grading done",
		"taskId", taskID,
		"elapsedMs", result.ProcessingTimeMs,
		"totalCharacters", result.TotalCharacters,
		"problemChars", len(result.Analyses),
		"avgOverall", result.AvgOverallScore)
	return result, nil
}

// GradeWholePageStream grades a page while forwarding upstream tokens as
// they arrive. Exactly one of onResult or onError fires, last.
func (e *Engine) GradeWholePageStream(ctx context.Context, imageBytes []byte,
	onThinking func(string),
	onToken func(string),
	onResult func(*core.BatchResult),
	onError func(string)) {

	start := time.Now()
	taskID := ids.WithPrefix("task")
	slog.Info("streaming whole-page grading started", "taskId", taskID, "imageBytes", len(imageBytes))

	e.streamOne(ctx, imageBytes, prompt.WholePage, wholePageThinking, onThinking, onToken, onError,
		func(fullText string) {
			result := parseBatchResponse(fullText, taskID)
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
			result.CreatedAt = core.Now()
			result.ClampScores()
			slog.Info("streaming whole-page grading done",
				"taskId", taskID,
				"elapsedMs", result.ProcessingTimeMs,
				"totalCharacters", result.TotalCharacters,
				"avgOverall", result.AvgOverallScore)
			onResult(result)
		})
}

// GradeSingleChar grades one character image with a deep multi-dimension
// critique. When multi-agent mode is on, three focused passes share one
// leased credential and their outputs compose the result.
func (e *Engine) GradeSingleChar(ctx context.Context, imageBytes []byte) (*core.SingleCharResult, error) {
	start := time.Now()
	taskID := ids.WithPrefix("single")
	slog.Info("single-char grading started", "taskId", taskID, "multiAgent", e.cfg.MultiAgentEnabled)

	imageBase64, err := e.precondition(imageBytes)
	if err != nil {
		return nil, err
	}

	var result *core.SingleCharResult
	if e.cfg.MultiAgentEnabled {
		result, err = dispatcher.ExecuteWithRetry(ctx, e.dispatcher, func(apiKey string) (*core.SingleCharResult, error) {
			return e.multiAgentSingleChar(ctx, imageBase64, taskID, apiKey)
		})
	} else {
		var fullText string
		fullText, err = dispatcher.ExecuteWithRetry(ctx, e.dispatcher, func(apiKey string) (string, error) {
			return e.provider.AnalyzeImage(ctx, imageBase64, prompt.SingleChar, apiKey)
		})
		if err == nil {
			result = ParseSingleChar(fullText, taskID)
		}
	}
	if err != nil {
		return nil, err
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	result.CreatedAt = core.Now()
	result.ClampScores()

	slog.Info("single-char grading done",
		"taskId", taskID,
		"char", result.RecognizedChar,
		"elapsedMs", result.ProcessingTimeMs,
		"overall", result.OverallScore)
	return result, nil
}

// GradeSingleCharStream is the streaming variant of GradeSingleChar. The
// multi-agent flag does not apply here; streaming always uses the unified
// single-character prompt.
func (e *Engine) GradeSingleCharStream(ctx context.Context, imageBytes []byte,
	onThinking func(string),
	onToken func(string),
	onResult func(*core.SingleCharResult),
	onError func(string)) {

	start := time.Now()
	taskID := ids.WithPrefix("single")
	slog.Info("streaming single-char grading started", "taskId", taskID, "imageBytes", len(imageBytes))

	e.streamOne(ctx, imageBytes, prompt.SingleChar, singleCharThinking, onThinking, onToken, onError,
		func(fullText string) {
			result := ParseSingleChar(fullText, taskID)
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
			result.CreatedAt = core.Now()
			result.ClampScores()
			slog.Info("streaming single-char grading done",
				"taskId", taskID,
				"char", result.RecognizedChar,
				"elapsedMs", result.ProcessingTimeMs)
			onResult(result)
		})
}

// streamOne is the shared streaming pipeline: precondition, lease, heartbeat,
// forward tokens, then hand the full text to deliver (which must emit the
// terminal result event).
func (e *Engine) streamOne(ctx context.Context, imageBytes []byte, promptText string,
	thinkingMessages []string,
	onThinking func(string),
	onToken func(string),
	onError func(string),
	deliver func(fullText string)) {

	imageBase64, err := e.precondition(imageBytes)
	if err != nil {
		onError(err.Error())
		return
	}

	apiKey, err := e.dispatcher.BorrowWithRate(ctx)
	if err != nil {
		onError(errs.ErrExhausted.Message)
		return
	}

	hb := startHeartbeat(thinkingMessages, heartbeatInterval, onThinking)
	defer hb.Stop()

	started := time.Now()
	fullText, err := e.provider.AnalyzeImageStream(ctx, imageBase64, promptText, apiKey, func(token string) {
		if hb.MarkFirstToken() {
			slog.Info("first token received", "ttftMs", time.Since(started).Milliseconds())
		}
		onToken(token)
	})
	hb.Stop()

	if err != nil {
		e.dispatcher.QuarantineKey(apiKey)
		slog.Error("streaming grading failed", "error", err)
		onError("批改失败: " + err.Error())
		return
	}

	e.dispatcher.ReturnKey(apiKey)
	deliver(fullText)
}

// precondition validates and compresses the uploaded image and returns the
// base64 payload sent upstream.
func (e *Engine) precondition(imageBytes []byte) (string, error) {
	if len(imageBytes) == 0 {
		return "", errs.New(errs.CodeAIError, "图片内容为空")
	}
	processed := imaging.Preprocess(imageBytes, e.cfg.MaxImageSize)
	return imaging.ToBase64(processed), nil
}

// parseBatchResponse picks the parser by shape: readable template first,
// legacy JSON repair when the response carries no template markers.
func parseBatchResponse(text, taskID string) *core.BatchResult {
	if looksReadable(text) {
		return ParseWholePage(text, taskID)
	}
	return parseLegacyJSON(text, taskID)
}

func looksReadable(text string) bool {
	return strings.Contains(text, "共识别") ||
		strings.Contains(text, "【总评】") ||
		charHeaderRe.MatchString(text)
}

// Multi-agent composition: structure pass, stroke pass, then a comment pass
// that reads the first two critiques.

type structurePass struct {
	StructureScore   *int   `json:"structureScore"`
	StructureComment string `json:"structureComment"`
}

type strokePass struct {
	StrokeScore   *int   `json:"strokeScore"`
	StrokeComment string `json:"strokeComment"`
}

type commentPass struct {
	OverallScore   *int   `json:"overallScore"`
	OverallComment string `json:"overallComment"`
	Suggestion     string `json:"suggestion"`
}

func (e *Engine) multiAgentSingleChar(ctx context.Context, imageBase64, taskID, apiKey string) (*core.SingleCharResult, error) {
	structureText, err := e.provider.AnalyzeImage(ctx, imageBase64, prompt.StructureAnalysis, apiKey)
	if err != nil {
		return nil, err
	}
	strokeText, err := e.provider.AnalyzeImage(ctx, imageBase64, prompt.StrokeAnalysis, apiKey)
	if err != nil {
		return nil, err
	}
	commentText, err := e.provider.AnalyzeImage(ctx, imageBase64,
		prompt.CommentGenerator(structureText, strokeText), apiKey)
	if err != nil {
		return nil, err
	}

	var structure structurePass
	var stroke strokePass
	var comment commentPass
	decodePass(structureText, &structure)
	decodePass(strokeText, &stroke)
	decodePass(commentText, &comment)

	return &core.SingleCharResult{
		TaskID:          taskID,
		RecognizedChar:  "?",
		StructureScore:  intOr(structure.StructureScore, defaultScore),
		StructureDetail: stringOr(structure.StructureComment, defaultDetail),
		StrokeScore:     intOr(stroke.StrokeScore, defaultScore),
		StrokeDetail:    stringOr(stroke.StrokeComment, defaultDetail),
		BalanceScore:    defaultScore,
		SpacingScore:    defaultScore,
		OverallScore:    intOr(comment.OverallScore, defaultScore),
		OverallComment:  stringOr(comment.OverallComment, "继续加油！"),
		Suggestion:      stringOr(comment.Suggestion, defaultSuggestion),
	}, nil
}

// decodePass tolerates malformed pass output; defaults apply downstream.
func decodePass(text string, into any) {
	if err := json.Unmarshal([]byte(cleanJSONResponse(text)), into); err != nil {
		slog.Warn("multi-agent pass output unparseable, using defaults", "error", err)
	}
}

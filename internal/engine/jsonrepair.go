package engine

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tiancizhou/teacher/internal/core"
)

// Legacy fallback: older prompts asked for JSON and models often truncated
// it mid-string. When a response carries no readable-template markers the
// engine runs this repair pipeline: direct parse, then truncation repair,
// then a regex scrape of recognizable top-level fields.

type legacyBatch struct {
	TotalCharCount        int          `json:"totalCharCount"`
	RecognizedChars       string       `json:"recognizedChars"`
	OverallStructureScore *int         `json:"overallStructureScore"`
	OverallStrokeScore    *int         `json:"overallStrokeScore"`
	OverallScore          *int         `json:"overallScore"`
	SummaryComment        string       `json:"summaryComment"`
	ProblemChars          []legacyChar `json:"problemChars"`
}

type legacyChar struct {
	Char             string `json:"char"`
	Row              int    `json:"row"`
	Col              int    `json:"col"`
	StructureScore   *int   `json:"structureScore"`
	StructureComment string `json:"structureComment"`
	StrokeScore      *int   `json:"strokeScore"`
	StrokeComment    string `json:"strokeComment"`
	OverallScore     *int   `json:"overallScore"`
	OverallComment   string `json:"overallComment"`
	Suggestion       string `json:"suggestion"`
}

// parseLegacyJSON handles a JSON-shaped critique, repairing truncation when
// needed. Like the readable parser it always produces a result.
func parseLegacyJSON(text, taskID string) *core.BatchResult {
	cleaned := cleanJSONResponse(text)

	var parsed legacyBatch
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		slog.Info("legacy JSON incomplete, repairing truncation")
		repaired := repairTruncatedJSON(cleaned)
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			slog.Info("legacy JSON unrepairable, scraping fields with regex")
			return scrapeLegacyFields(cleaned, taskID)
		}
	}

	result := &core.BatchResult{
		TaskID:            taskID,
		TotalCharacters:   parsed.TotalCharCount,
		RecognizedChars:   parsed.RecognizedChars,
		AvgStructureScore: intOr(parsed.OverallStructureScore, defaultScore),
		AvgStrokeScore:    intOr(parsed.OverallStrokeScore, defaultScore),
		AvgOverallScore:   intOr(parsed.OverallScore, defaultScore),
		SummaryComment:    stringOr(parsed.SummaryComment, defaultSummary),
	}

	for i, pc := range parsed.ProblemChars {
		if pc.Char == "" {
			continue
		}
		result.Analyses = append(result.Analyses, &core.CharAnalysis{
			CharIndex:        i,
			RecognizedChar:   pc.Char,
			Row:              pc.Row,
			Column:           pc.Col,
			StructureScore:   intOr(pc.StructureScore, defaultScore),
			StructureComment: stringOr(pc.StructureComment, defaultDetail),
			StrokeScore:      intOr(pc.StrokeScore, defaultScore),
			StrokeComment:    stringOr(pc.StrokeComment, defaultDetail),
			OverallScore:     intOr(pc.OverallScore, defaultScore),
			OverallComment:   stringOr(pc.OverallComment, "继续加油"),
			Suggestion:       stringOr(pc.Suggestion, defaultSuggestion),
		})
	}
	return result
}

// cleanJSONResponse strips markdown fences and leading prose so the payload
// starts at the first brace.
func cleanJSONResponse(response string) string {
	cleaned := strings.TrimSpace(response)

	if strings.HasPrefix(cleaned, "```") {
		if nl := strings.IndexByte(cleaned, '\n'); nl > 0 {
			cleaned = cleaned[nl+1:]
		} else {
			cleaned = cleaned[3:]
		}
	}
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if !strings.HasPrefix(cleaned, "{") && !strings.HasPrefix(cleaned, "[") {
		if idx := strings.IndexByte(cleaned, '{'); idx >= 0 {
			cleaned = cleaned[idx:]
		}
	}
	if cleaned == "" {
		return "{}"
	}
	return cleaned
}

var (
	danglingKeyRe  = regexp.MustCompile(`,\s*"[^"]*"\s*:?\s*$`)
	trailingJunkRe = regexp.MustCompile(`[,:\s]+$`)
)

// repairTruncatedJSON closes an unterminated string, trims any dangling
// key-without-value, then appends the missing closers in LIFO order.
func repairTruncatedJSON(text string) string {
	if text == "" {
		return "{}"
	}

	if inOpenString(text) {
		text += `"`
	}

	text = danglingKeyRe.ReplaceAllString(text, "")
	text = trailingJunkRe.ReplaceAllString(text, "")

	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(text)
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}

func inOpenString(text string) bool {
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
		}
	}
	return inString
}

var (
	scrapeIntRe    = `"%s"\s*:\s*(\d+)`
	scrapeStringRe = `"%s"\s*:\s*"([^"]+)"`
	scrapeCharRe   = regexp.MustCompile(`"char"\s*:\s*"([^"]+)"`)
)

// scrapeLegacyFields is the last resort: pull whatever top-level fields a
// regex can still recognize out of the broken payload.
func scrapeLegacyFields(text, taskID string) *core.BatchResult {
	structure := scrapeInt(text, "overallStructureScore", defaultScore)
	stroke := scrapeInt(text, "overallStrokeScore", defaultScore)
	overall := scrapeInt(text, "overallScore", defaultScore)

	result := &core.BatchResult{
		TaskID:            taskID,
		TotalCharacters:   scrapeInt(text, "totalCharCount", 0),
		RecognizedChars:   scrapeString(text, "recognizedChars", ""),
		AvgStructureScore: structure,
		AvgStrokeScore:    stroke,
		AvgOverallScore:   overall,
		SummaryComment:    scrapeString(text, "summaryComment", "AI 分析结果不完整，请重新提交。"),
	}

	for i, m := range scrapeCharRe.FindAllStringSubmatch(text, -1) {
		result.Analyses = append(result.Analyses, &core.CharAnalysis{
			CharIndex:        i,
			RecognizedChar:   m[1],
			StructureScore:   structure,
			StructureComment: "AI 输出被截断，暂无详细分析",
			StrokeScore:      stroke,
			StrokeComment:    "AI 输出被截断，暂无详细分析",
			OverallScore:     overall,
			OverallComment:   "此字需要重点练习",
			Suggestion:       "建议对照字帖仔细观察后重新书写",
		})
	}
	return result
}

func scrapeInt(text, key string, fallback int) int {
	re := regexp.MustCompile(strings.Replace(scrapeIntRe, "%s", regexp.QuoteMeta(key), 1))
	if m := re.FindStringSubmatch(text); m != nil {
		return atoi(m[1])
	}
	return fallback
}

func scrapeString(text, key, fallback string) string {
	re := regexp.MustCompile(strings.Replace(scrapeStringRe, "%s", regexp.QuoteMeta(key), 1))
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return fallback
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

package engine

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tiancizhou/teacher/internal/core"
)

// Whole-page critique parsing. The model is prompted to emit a fixed
// readable template; every field extracted here has a default, so parsing
// never fails outright. CJK and ASCII punctuation are interchangeable.
var (
	overviewGridRe = regexp.MustCompile(`共识别\s*(\d+)\s*个汉字\s*[（(]\s*(\d+)\s*行\s*(\d+)\s*列\s*[）)]\s*[：:]\s*([^\n]*)`)
	overviewRe     = regexp.MustCompile(`共识别\s*(\d+)\s*个汉字\s*[：:]\s*([^\n]*)`)
	pageScoresRe   = regexp.MustCompile(`结构\s*[：:]\s*(\d+)\s*分[^0-9\n]*笔画\s*[：:]\s*(\d+)\s*分[^0-9\n]*综合\s*[：:]\s*(\d+)\s*分`)
	summaryRe      = regexp.MustCompile(`【总评】\s*([^【]*)`)

	// charHeaderRe anchors each problem-character block. The grid position is
	// extracted separately because some responses omit it.
	charHeaderRe   = regexp.MustCompile(`(?m)^\s*(\d+)\s*[.、．]\s*[「『"]([^」』"\n])[」』"][^\n]*?综合\s*(\d+)\s*分`)
	charPositionRe = regexp.MustCompile(`第\s*(\d+)\s*行\s*第\s*(\d+)\s*列`)

	charStructureRe  = regexp.MustCompile(`结构\s*[（(]\s*(\d+)\s*分\s*[）)]\s*[：:]\s*([^\n]*)`)
	charStrokeRe     = regexp.MustCompile(`笔画\s*[（(]\s*(\d+)\s*分\s*[）)]\s*[：:]\s*([^\n]*)`)
	charSuggestionRe = regexp.MustCompile(`建议\s*[：:]\s*([^\n]*)`)
)

const (
	defaultScore      = 60
	defaultSummary    = "继续加油练习！"
	defaultDetail     = "暂无分析"
	defaultSuggestion = "多加练习"
	maxSummaryRunes   = 200
)

// ParseWholePage extracts a BatchResult from the readable critique text.
// Missing pieces fall back to documented defaults; totalCharacters comes
// from the overview line alone and stays 0 when that line is absent.
func ParseWholePage(text, taskID string) *core.BatchResult {
	result := &core.BatchResult{
		TaskID:            taskID,
		AvgStructureScore: defaultScore,
		AvgStrokeScore:    defaultScore,
		AvgOverallScore:   defaultScore,
		SummaryComment:    defaultSummary,
	}

	if m := overviewGridRe.FindStringSubmatch(text); m != nil {
		result.TotalCharacters = atoi(m[1])
		result.GridRows = atoi(m[2])
		result.GridCols = atoi(m[3])
		result.RecognizedChars = strings.TrimSpace(m[4])
	} else if m := overviewRe.FindStringSubmatch(text); m != nil {
		result.TotalCharacters = atoi(m[1])
		result.RecognizedChars = strings.TrimSpace(m[2])
	}

	if m := pageScoresRe.FindStringSubmatch(text); m != nil {
		result.AvgStructureScore = atoi(m[1])
		result.AvgStrokeScore = atoi(m[2])
		result.AvgOverallScore = atoi(m[3])
	}

	if m := summaryRe.FindStringSubmatch(text); m != nil {
		if summary := truncateRunes(strings.TrimSpace(m[1]), maxSummaryRunes); summary != "" {
			result.SummaryComment = summary
		}
	}

	result.Analyses = parseProblemChars(text)

	slog.Info("whole-page critique parsed",
		"totalCharacters", result.TotalCharacters,
		"problemChars", len(result.Analyses),
		"avgOverall", result.AvgOverallScore)
	return result
}

// parseProblemChars splits the critique into per-character blocks, each
// spanning from its header line to the next header or the summary marker.
func parseProblemChars(text string) []*core.CharAnalysis {
	headers := charHeaderRe.FindAllStringSubmatchIndex(text, -1)
	analyses := make([]*core.CharAnalysis, 0, len(headers))

	for i, h := range headers {
		blockEnd := len(text)
		if i+1 < len(headers) {
			blockEnd = headers[i+1][0]
		}
		if idx := strings.Index(text[h[0]:blockEnd], "【总评】"); idx >= 0 {
			blockEnd = h[0] + idx
		}
		block := text[h[0]:blockEnd]
		headerLine := block
		if nl := strings.IndexByte(headerLine, '\n'); nl >= 0 {
			headerLine = headerLine[:nl]
		}

		a := &core.CharAnalysis{
			CharIndex:        i,
			RecognizedChar:   text[h[4]:h[5]],
			OverallScore:     atoi(text[h[6]:h[7]]),
			StructureScore:   defaultScore,
			StructureComment: defaultDetail,
			StrokeScore:      defaultScore,
			StrokeComment:    defaultDetail,
			OverallComment:   "继续加油",
			Suggestion:       defaultSuggestion,
		}

		if m := charPositionRe.FindStringSubmatch(headerLine); m != nil {
			a.Row = atoi(m[1])
			a.Column = atoi(m[2])
		}
		if m := charStructureRe.FindStringSubmatch(block); m != nil {
			a.StructureScore = atoi(m[1])
			if detail := strings.TrimSpace(m[2]); detail != "" {
				a.StructureComment = detail
			}
		}
		if m := charStrokeRe.FindStringSubmatch(block); m != nil {
			a.StrokeScore = atoi(m[1])
			if detail := strings.TrimSpace(m[2]); detail != "" {
				a.StrokeComment = detail
			}
		}
		if m := charSuggestionRe.FindStringSubmatch(block); m != nil {
			if s := strings.TrimSpace(m[1]); s != "" {
				a.Suggestion = s
			}
		}

		analyses = append(analyses, a)
	}
	return analyses
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

package engine

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tiancizhou/teacher/internal/core"
)

// Single-character critique parsing, same philosophy as the whole-page
// parser: a fixed readable template, defaults for every field.
var (
	singleCharRe = regexp.MustCompile(`字\s*[：:]\s*(\S)`)

	singleStructureRe = regexp.MustCompile(`结构\s*[：:]\s*(\d+)\s*分`)
	singleStrokeRe    = regexp.MustCompile(`笔画\s*[：:]\s*(\d+)\s*分`)
	singleBalanceRe   = regexp.MustCompile(`重心\s*[：:]\s*(\d+)\s*分`)
	singleSpacingRe   = regexp.MustCompile(`间架\s*[：:]\s*(\d+)\s*分`)
	singleOverallRe   = regexp.MustCompile(`综合\s*[：:]\s*(\d+)\s*分`)

	sectionRe = regexp.MustCompile(`【([^】]+)】\s*([^【]*)`)
)

const maxSectionRunes = 500

// ParseSingleChar extracts a SingleCharResult from the readable critique.
func ParseSingleChar(text, taskID string) *core.SingleCharResult {
	result := &core.SingleCharResult{
		TaskID:         taskID,
		RecognizedChar: "?",
		StructureScore: defaultScore,
		StrokeScore:    defaultScore,
		BalanceScore:   defaultScore,
		SpacingScore:   defaultScore,
		OverallScore:   defaultScore,
	}

	if m := singleCharRe.FindStringSubmatch(text); m != nil {
		result.RecognizedChar = m[1]
	}

	if m := singleStructureRe.FindStringSubmatch(text); m != nil {
		result.StructureScore = atoi(m[1])
	}
	if m := singleStrokeRe.FindStringSubmatch(text); m != nil {
		result.StrokeScore = atoi(m[1])
	}
	if m := singleBalanceRe.FindStringSubmatch(text); m != nil {
		result.BalanceScore = atoi(m[1])
	}
	if m := singleSpacingRe.FindStringSubmatch(text); m != nil {
		result.SpacingScore = atoi(m[1])
	}
	if m := singleOverallRe.FindStringSubmatch(text); m != nil {
		result.OverallScore = atoi(m[1])
	}

	for _, m := range sectionRe.FindAllStringSubmatch(text, -1) {
		section := truncateRunes(strings.TrimSpace(m[2]), maxSectionRunes)
		switch m[1] {
		case "结构分析":
			result.StructureDetail = section
		case "笔画分析":
			result.StrokeDetail = section
		case "重心分析":
			result.BalanceDetail = section
		case "间架分析":
			result.SpacingDetail = section
		case "总评":
			result.OverallComment = section
		case "练习建议":
			result.Suggestion = section
		}
	}

	slog.Info("single-char critique parsed",
		"char", result.RecognizedChar,
		"overall", result.OverallScore)
	return result
}

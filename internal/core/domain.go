// Package core holds the domain types shared by the grading engine, the
// HTTP layer and the result store.
package core

import "time"

// TimeFormat is the text timestamp layout persisted to SQLite and returned
// in API payloads. Kept as a string end to end to sidestep driver-specific
// timestamp handling.
const TimeFormat = "2006-01-02 15:04:05"

// Now returns the current time in TimeFormat.
func Now() string {
	return time.Now().Format(TimeFormat)
}

// Grading modes.
const (
	ModeWholePage  = "whole-page"
	ModeSingleChar = "single-char"
)

// CharAnalysis is the critique of one problem character on a page.
// Row and Column are 1-based grid positions; 0 means unknown.
type CharAnalysis struct {
	CharIndex        int    `json:"charIndex"`
	RecognizedChar   string `json:"recognizedChar"`
	Row              int    `json:"row"`
	Column           int    `json:"column"`
	StructureScore   int    `json:"structureScore"`
	StructureComment string `json:"structureComment"`
	StrokeScore      int    `json:"strokeScore"`
	StrokeComment    string `json:"strokeComment"`
	OverallScore     int    `json:"overallScore"`
	OverallComment   string `json:"overallComment"`
	Suggestion       string `json:"suggestion"`
	CharImageBase64  string `json:"charImageBase64,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

// BatchResult is the whole-page grading outcome.
type BatchResult struct {
	TaskID            string          `json:"taskId"`
	ImageID           string          `json:"imageId"`
	TotalCharacters   int             `json:"totalCharacters"`
	GridRows          int             `json:"gridRows"`
	GridCols          int             `json:"gridCols"`
	RecognizedChars   string          `json:"recognizedChars,omitempty"`
	Analyses          []*CharAnalysis `json:"analyses"`
	AvgStructureScore int             `json:"avgStructureScore"`
	AvgStrokeScore    int             `json:"avgStrokeScore"`
	AvgOverallScore   int             `json:"avgOverallScore"`
	SummaryComment    string          `json:"summaryComment"`
	ProcessingTimeMs  int64           `json:"processingTimeMs"`
	CreatedAt         string          `json:"createdAt"`
}

// ClampScores clamps every score to 0..100 at the DTO boundary. The parser
// itself accepts whatever integer the model emitted.
func (r *BatchResult) ClampScores() {
	r.AvgStructureScore = clamp(r.AvgStructureScore)
	r.AvgStrokeScore = clamp(r.AvgStrokeScore)
	r.AvgOverallScore = clamp(r.AvgOverallScore)
	for _, a := range r.Analyses {
		a.StructureScore = clamp(a.StructureScore)
		a.StrokeScore = clamp(a.StrokeScore)
		a.OverallScore = clamp(a.OverallScore)
	}
}

// SingleCharResult is the deep critique of a single character image.
type SingleCharResult struct {
	TaskID           string `json:"taskId"`
	RecognizedChar   string `json:"recognizedChar"`
	StructureScore   int    `json:"structureScore"`
	StructureDetail  string `json:"structureDetail"`
	StrokeScore      int    `json:"strokeScore"`
	StrokeDetail     string `json:"strokeDetail"`
	BalanceScore     int    `json:"balanceScore"`
	BalanceDetail    string `json:"balanceDetail"`
	SpacingScore     int    `json:"spacingScore"`
	SpacingDetail    string `json:"spacingDetail"`
	OverallScore     int    `json:"overallScore"`
	OverallComment   string `json:"overallComment"`
	Suggestion       string `json:"suggestion"`
	CharImageBase64  string `json:"charImageBase64,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	CreatedAt        string `json:"createdAt"`
}

// ClampScores clamps every score to 0..100.
func (r *SingleCharResult) ClampScores() {
	r.StructureScore = clamp(r.StructureScore)
	r.StrokeScore = clamp(r.StrokeScore)
	r.BalanceScore = clamp(r.BalanceScore)
	r.SpacingScore = clamp(r.SpacingScore)
	r.OverallScore = clamp(r.OverallScore)
}

// Grid line types of copybook templates.
const (
	GridTian  = "TIAN"  // 田字格
	GridMi    = "MI"    // 米字格
	GridHui   = "HUI"   // 回宫格
	GridPlain = "PLAIN" // 无格线
)

// CopybookTemplate describes a worksheet's cell layout for deterministic
// grid cropping.
type CopybookTemplate struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	GridType    string  `json:"gridType"`
	GridRows    int     `json:"gridRows"`
	GridCols    int     `json:"gridCols"`
	HeaderRatio float64 `json:"headerRatio"`
	Description string  `json:"description,omitempty"`
}

// Homework is a stored grading record summary (history listing).
type Homework struct {
	ID               int64  `json:"id"`
	TaskID           string `json:"taskId"`
	UserID           *int64 `json:"userId,omitempty"`
	OriginalFileName string `json:"originalFileName,omitempty"`
	CopyBookID       string `json:"copyBookId,omitempty"`
	CharCount        int    `json:"charCount"`
	AvgScore         int    `json:"avgScore"`
	Status           string `json:"status"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	CreatedAt        string `json:"createdAt"`
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

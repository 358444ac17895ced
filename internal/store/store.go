// Package store persists grading results and call logs to SQLite. All
// timestamps are stored as "YYYY-MM-DD HH:MM:SS" text, compared
// lexicographically in queries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tiancizhou/teacher/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS t_user (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    username    TEXT NOT NULL UNIQUE,
    nickname    TEXT,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS t_homework (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id             TEXT NOT NULL UNIQUE,
    user_id             INTEGER,
    original_file_name  TEXT,
    copy_book_id        TEXT,
    char_count          INTEGER NOT NULL DEFAULT 0,
    avg_score           INTEGER NOT NULL DEFAULT 0,
    avg_structure_score INTEGER NOT NULL DEFAULT 0,
    avg_stroke_score    INTEGER NOT NULL DEFAULT 0,
    summary_comment     TEXT,
    status              TEXT NOT NULL DEFAULT 'COMPLETED',
    processing_time_ms  INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_homework_user ON t_homework(user_id, created_at);

CREATE TABLE IF NOT EXISTS t_analysis (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    homework_id     INTEGER NOT NULL,
    char_index      INTEGER NOT NULL DEFAULT 0,
    recognized_char TEXT,
    grid_row        INTEGER NOT NULL DEFAULT 0,
    grid_col        INTEGER NOT NULL DEFAULT 0,
    structure_score INTEGER NOT NULL DEFAULT 0,
    stroke_score    INTEGER NOT NULL DEFAULT 0,
    overall_score   INTEGER NOT NULL DEFAULT 0,
    result_json     TEXT,
    overall_comment TEXT,
    suggestion      TEXT,
    cache_key       TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_homework ON t_analysis(homework_id);
CREATE INDEX IF NOT EXISTS idx_analysis_cache ON t_analysis(cache_key, overall_score);

CREATE TABLE IF NOT EXISTS t_key_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id       TEXT,
    user_id       INTEGER,
    provider      TEXT,
    model         TEXT,
    char_count    INTEGER NOT NULL DEFAULT 0,
    latency_ms    INTEGER NOT NULL DEFAULT 0,
    success       INTEGER NOT NULL DEFAULT 1,
    error_message TEXT,
    cache_hits    INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_log_user ON t_key_log(user_id, created_at);

CREATE TABLE IF NOT EXISTS t_copybook_template (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL,
    grid_type    TEXT NOT NULL,
    grid_rows    INTEGER NOT NULL,
    grid_cols    INTEGER NOT NULL,
    header_ratio REAL NOT NULL DEFAULT 0,
    description  TEXT
);

CREATE TABLE IF NOT EXISTS t_single_analysis (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id            TEXT NOT NULL UNIQUE,
    user_id            INTEGER,
    recognized_char    TEXT,
    structure_score    INTEGER NOT NULL DEFAULT 0,
    structure_detail   TEXT,
    stroke_score       INTEGER NOT NULL DEFAULT 0,
    stroke_detail      TEXT,
    balance_score      INTEGER NOT NULL DEFAULT 0,
    balance_detail     TEXT,
    spacing_score      INTEGER NOT NULL DEFAULT 0,
    spacing_detail     TEXT,
    overall_score      INTEGER NOT NULL DEFAULT 0,
    overall_comment    TEXT,
    suggestion         TEXT,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL
);
`

// Store is the SQLite-backed result store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path, applies the
// schema and seeds the copybook templates on first run.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedTemplates(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// defaultTemplates ship with the service so grid cropping works out of the
// box for the common practice sheets.
var defaultTemplates = []core.CopybookTemplate{
	{Name: "田字格练习纸 8×6", GridType: core.GridTian, GridRows: 8, GridCols: 6, HeaderRatio: 0.08, Description: "标准田字格练习纸，顶部姓名栏"},
	{Name: "米字格练习纸 10×8", GridType: core.GridMi, GridRows: 10, GridCols: 8, HeaderRatio: 0.05, Description: "米字格硬笔练习纸"},
	{Name: "回宫格练习纸 6×5", GridType: core.GridHui, GridRows: 6, GridCols: 5, HeaderRatio: 0.1, Description: "回宫格毛笔练习纸"},
	{Name: "无格线白纸 4×5", GridType: core.GridPlain, GridRows: 4, GridCols: 5, HeaderRatio: 0.05, Description: "无格线自由书写"},
}

func (s *Store) seedTemplates() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM t_copybook_template`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, t := range defaultTemplates {
		_, err := s.db.Exec(
			`INSERT INTO t_copybook_template (name, grid_type, grid_rows, grid_cols, header_ratio, description)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.Name, t.GridType, t.GridRows, t.GridCols, t.HeaderRatio, t.Description)
		if err != nil {
			return err
		}
	}
	slog.Info("copybook templates seeded", "count", len(defaultTemplates))
	return nil
}

// SaveResult persists a whole-page grading outcome plus its per-character
// analyses in one transaction.
func (s *Store) SaveResult(result *core.BatchResult, fileName string, userID *int64, copyBookID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	createdAt := result.CreatedAt
	if createdAt == "" {
		createdAt = core.Now()
	}

	res, err := tx.Exec(
		`INSERT INTO t_homework
		 (task_id, user_id, original_file_name, copy_book_id, char_count,
		  avg_score, avg_structure_score, avg_stroke_score, summary_comment,
		  status, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'COMPLETED', ?, ?)`,
		result.TaskID, userID, fileName, nullableString(copyBookID), result.TotalCharacters,
		result.AvgOverallScore, result.AvgStructureScore, result.AvgStrokeScore, result.SummaryComment,
		result.ProcessingTimeMs, createdAt)
	if err != nil {
		return err
	}
	homeworkID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, a := range result.Analyses {
		resultJSON, _ := json.Marshal(a)
		_, err := tx.Exec(
			`INSERT INTO t_analysis
			 (homework_id, char_index, recognized_char, grid_row, grid_col,
			  structure_score, stroke_score, overall_score,
			  result_json, overall_comment, suggestion, cache_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			homeworkID, a.CharIndex, a.RecognizedChar, a.Row, a.Column,
			a.StructureScore, a.StrokeScore, a.OverallScore,
			string(resultJSON), a.OverallComment, a.Suggestion,
			cacheKey(copyBookID, a.RecognizedChar), createdAt)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("grading result persisted",
		"taskId", result.TaskID,
		"homeworkId", homeworkID,
		"analyses", len(result.Analyses))
	return nil
}

// SaveSingleResult persists a single-character deep critique.
func (s *Store) SaveSingleResult(result *core.SingleCharResult, userID *int64) error {
	createdAt := result.CreatedAt
	if createdAt == "" {
		createdAt = core.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO t_single_analysis
		 (task_id, user_id, recognized_char,
		  structure_score, structure_detail, stroke_score, stroke_detail,
		  balance_score, balance_detail, spacing_score, spacing_detail,
		  overall_score, overall_comment, suggestion, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID, userID, result.RecognizedChar,
		result.StructureScore, result.StructureDetail, result.StrokeScore, result.StrokeDetail,
		result.BalanceScore, result.BalanceDetail, result.SpacingScore, result.SpacingDetail,
		result.OverallScore, result.OverallComment, result.Suggestion,
		result.ProcessingTimeMs, createdAt)
	if err != nil {
		return err
	}
	slog.Info("single-char result persisted", "taskId", result.TaskID, "char", result.RecognizedChar)
	return nil
}

// LogKeyUsage records one upstream call for auditing and flood control.
func (s *Store) LogKeyUsage(taskID string, userID *int64, providerName, mode string,
	charCount int, latencyMs int64, success bool, errorMessage string, cacheHits int) error {
	_, err := s.db.Exec(
		`INSERT INTO t_key_log
		 (task_id, user_id, provider, model, char_count, latency_ms, success, error_message, cache_hits, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(taskID), userID, providerName, mode, charCount, latencyMs,
		boolToInt(success), nullableString(errorMessage), cacheHits, core.Now())
	return err
}

// FindByTaskID loads a stored grading result. Returns sql.ErrNoRows when
// the task is unknown.
func (s *Store) FindByTaskID(taskID string) (*core.BatchResult, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, char_count, avg_score, avg_structure_score, avg_stroke_score,
		        summary_comment, processing_time_ms, created_at
		 FROM t_homework WHERE task_id = ?`, taskID)

	var homeworkID int64
	result := &core.BatchResult{}
	var summary sql.NullString
	if err := row.Scan(&homeworkID, &result.TaskID, &result.TotalCharacters,
		&result.AvgOverallScore, &result.AvgStructureScore, &result.AvgStrokeScore,
		&summary, &result.ProcessingTimeMs, &result.CreatedAt); err != nil {
		return nil, err
	}
	result.ImageID = result.TaskID
	result.SummaryComment = summary.String

	rows, err := s.db.Query(
		`SELECT char_index, recognized_char, grid_row, grid_col,
		        structure_score, stroke_score, overall_score,
		        overall_comment, suggestion
		 FROM t_analysis WHERE homework_id = ? ORDER BY char_index`, homeworkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		a := &core.CharAnalysis{}
		var char, comment, suggestion sql.NullString
		if err := rows.Scan(&a.CharIndex, &char, &a.Row, &a.Column,
			&a.StructureScore, &a.StrokeScore, &a.OverallScore,
			&comment, &suggestion); err != nil {
			return nil, err
		}
		a.RecognizedChar = char.String
		a.OverallComment = comment.String
		a.Suggestion = suggestion.String
		result.Analyses = append(result.Analyses, a)
	}
	return result, rows.Err()
}

// CountRecentCalls reports how many calls a user made in the trailing
// window, for flood control.
func (s *Store) CountRecentCalls(userID int64, minutes int) (int, error) {
	since := time.Now().Add(-time.Duration(minutes) * time.Minute).Format(core.TimeFormat)
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM t_key_log WHERE user_id = ? AND created_at >= ?`,
		userID, since).Scan(&n)
	return n, err
}

// GetGrowthCurve returns the chronological score history of one character
// for one user.
func (s *Store) GetGrowthCurve(userID int64, charName string) ([]*core.CharAnalysis, error) {
	rows, err := s.db.Query(
		`SELECT a.char_index, a.recognized_char, a.structure_score, a.stroke_score,
		        a.overall_score, a.overall_comment, a.suggestion, a.created_at
		 FROM t_analysis a
		 JOIN t_homework h ON h.id = a.homework_id
		 WHERE h.user_id = ? AND a.recognized_char = ?
		 ORDER BY a.created_at ASC`, userID, charName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var curve []*core.CharAnalysis
	for rows.Next() {
		a := &core.CharAnalysis{}
		var char, comment, suggestion sql.NullString
		if err := rows.Scan(&a.CharIndex, &char, &a.StructureScore, &a.StrokeScore,
			&a.OverallScore, &comment, &suggestion, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RecognizedChar = char.String
		a.OverallComment = comment.String
		a.Suggestion = suggestion.String
		curve = append(curve, a)
	}
	return curve, rows.Err()
}

// TryCacheHit looks for a prior high-scoring critique of the same character
// in the same copybook. A hit (score >= 80) can be reused instead of paying
// for another upstream call.
func (s *Store) TryCacheHit(copyBookID, recognizedChar string) (*core.CharAnalysis, bool) {
	key := cacheKey(copyBookID, recognizedChar)
	if key == "" {
		return nil, false
	}
	row := s.db.QueryRow(
		`SELECT char_index, recognized_char, structure_score, stroke_score,
		        overall_score, overall_comment, suggestion
		 FROM t_analysis
		 WHERE cache_key = ? AND overall_score >= 80
		 ORDER BY overall_score DESC LIMIT 1`, key)

	a := &core.CharAnalysis{}
	var char, comment, suggestion sql.NullString
	if err := row.Scan(&a.CharIndex, &char, &a.StructureScore, &a.StrokeScore,
		&a.OverallScore, &comment, &suggestion); err != nil {
		return nil, false
	}
	a.RecognizedChar = char.String
	a.OverallComment = comment.String
	a.Suggestion = suggestion.String
	return a, true
}

// ListTemplates returns all copybook templates.
func (s *Store) ListTemplates() ([]*core.CopybookTemplate, error) {
	rows, err := s.db.Query(
		`SELECT id, name, grid_type, grid_rows, grid_cols, header_ratio, description
		 FROM t_copybook_template ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*core.CopybookTemplate
	for rows.Next() {
		t := &core.CopybookTemplate{}
		var desc sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.GridType, &t.GridRows, &t.GridCols,
			&t.HeaderRatio, &desc); err != nil {
			return nil, err
		}
		t.Description = desc.String
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// FindTemplate loads one template by id. Returns sql.ErrNoRows when absent.
func (s *Store) FindTemplate(id int64) (*core.CopybookTemplate, error) {
	t := &core.CopybookTemplate{}
	var desc sql.NullString
	err := s.db.QueryRow(
		`SELECT id, name, grid_type, grid_rows, grid_cols, header_ratio, description
		 FROM t_copybook_template WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.GridType, &t.GridRows, &t.GridCols, &t.HeaderRatio, &desc)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	return t, nil
}

// FindRecentHomeworks lists a user's latest graded pages, newest first.
func (s *Store) FindRecentHomeworks(userID int64) ([]*core.Homework, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, user_id, original_file_name, copy_book_id,
		        char_count, avg_score, status, processing_time_ms, created_at
		 FROM t_homework WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 10`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*core.Homework
	for rows.Next() {
		h := &core.Homework{}
		var fileName, copyBookID sql.NullString
		var uid sql.NullInt64
		if err := rows.Scan(&h.ID, &h.TaskID, &uid, &fileName, &copyBookID,
			&h.CharCount, &h.AvgScore, &h.Status, &h.ProcessingTimeMs, &h.CreatedAt); err != nil {
			return nil, err
		}
		if uid.Valid {
			h.UserID = &uid.Int64
		}
		h.OriginalFileName = fileName.String
		h.CopyBookID = copyBookID.String
		list = append(list, h)
	}
	return list, rows.Err()
}

func cacheKey(copyBookID, charName string) string {
	if copyBookID == "" || charName == "" {
		return ""
	}
	return copyBookID + ":" + charName
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tiancizhou/teacher/internal/core"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/imaging"
)

const (
	maxUploadBytes = 10 << 20

	// One streamed grading may not outlive this.
	streamTimeout = 180 * time.Second

	floodWindowMinutes = 5
	floodMaxCalls      = 20
)

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, errs.Wrap(errs.CodeSystemError, "加载字帖模板失败", err))
		return
	}
	if templates == nil {
		templates = []*core.CopybookTemplate{}
	}
	writeOK(w, templates)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileBytes, fileName, err := s.readUpload(w, r)
	if err != nil {
		s.metrics.RecordGrading(core.ModeWholePage, "bad_input", time.Since(start).Seconds())
		writeError(w, err)
		return
	}
	userID := parseUserID(r.FormValue("userId"))
	if err := s.floodCheck(userID); err != nil {
		writeError(w, err)
		return
	}
	tpl := s.resolveTemplate(r.FormValue("templateId"))
	copyBookID := r.FormValue("copyBookId")

	result, err := s.engine.GradeWholePage(r.Context(), fileBytes)
	if err != nil {
		s.metrics.RecordGrading(core.ModeWholePage, outcomeOf(err), time.Since(start).Seconds())
		s.logUsage(core.ModeWholePage, "", userID, 0, time.Since(start), err)
		writeError(w, err)
		return
	}

	if tpl != nil {
		imaging.AttachCharacterImages(result, fileBytes, tpl)
	}
	s.persistBatch(result, fileName, userID, copyBookID)
	s.logUsage(core.ModeWholePage, result.TaskID, userID, result.TotalCharacters, time.Since(start), nil)
	s.metrics.RecordGrading(core.ModeWholePage, "ok", time.Since(start).Seconds())
	writeOK(w, result)
}

func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileBytes, fileName, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID := parseUserID(r.FormValue("userId"))
	if err := s.floodCheck(userID); err != nil {
		writeError(w, err)
		return
	}
	tpl := s.resolveTemplate(r.FormValue("templateId"))
	copyBookID := r.FormValue("copyBookId")

	em, err := newSSEEmitter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()

	em.send("start", "{}")
	s.engine.GradeWholePageStream(ctx, fileBytes,
		func(msg string) { em.send("thinking", msg) },
		func(token string) { em.send("token", token) },
		func(result *core.BatchResult) {
			if tpl != nil {
				imaging.AttachCharacterImages(result, fileBytes, tpl)
			}
			s.persistBatch(result, fileName, userID, copyBookID)
			s.logUsage(core.ModeWholePage, result.TaskID, userID, result.TotalCharacters, time.Since(start), nil)
			s.metrics.RecordGrading(core.ModeWholePage, "ok", time.Since(start).Seconds())
			em.sendJSON("result", result)
		},
		func(msg string) {
			s.metrics.RecordGrading(core.ModeWholePage, "error", time.Since(start).Seconds())
			s.logUsage(core.ModeWholePage, "", userID, 0, time.Since(start), errors.New(msg))
			em.send("error", msg)
		})
}

func (s *Server) handleAnalyzeSingle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileBytes, _, err := s.readUpload(w, r)
	if err != nil {
		s.metrics.RecordGrading(core.ModeSingleChar, "bad_input", time.Since(start).Seconds())
		writeError(w, err)
		return
	}
	userID := parseUserID(r.FormValue("userId"))
	if err := s.floodCheck(userID); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.GradeSingleChar(r.Context(), fileBytes)
	if err != nil {
		s.metrics.RecordGrading(core.ModeSingleChar, outcomeOf(err), time.Since(start).Seconds())
		s.logUsage(core.ModeSingleChar, "", userID, 0, time.Since(start), err)
		writeError(w, err)
		return
	}

	s.persistSingle(result, userID)
	s.logUsage(core.ModeSingleChar, result.TaskID, userID, 1, time.Since(start), nil)
	s.metrics.RecordGrading(core.ModeSingleChar, "ok", time.Since(start).Seconds())
	writeOK(w, result)
}

func (s *Server) handleAnalyzeSingleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileBytes, _, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID := parseUserID(r.FormValue("userId"))
	if err := s.floodCheck(userID); err != nil {
		writeError(w, err)
		return
	}

	em, err := newSSEEmitter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()

	em.send("start", "{}")
	s.engine.GradeSingleCharStream(ctx, fileBytes,
		func(msg string) { em.send("thinking", msg) },
		func(token string) { em.send("token", token) },
		func(result *core.SingleCharResult) {
			s.persistSingle(result, userID)
			s.logUsage(core.ModeSingleChar, result.TaskID, userID, 1, time.Since(start), nil)
			s.metrics.RecordGrading(core.ModeSingleChar, "ok", time.Since(start).Seconds())
			em.sendJSON("result", result)
		},
		func(msg string) {
			s.metrics.RecordGrading(core.ModeSingleChar, "error", time.Since(start).Seconds())
			s.logUsage(core.ModeSingleChar, "", userID, 0, time.Since(start), errors.New(msg))
			em.send("error", msg)
		})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	result, err := s.store.FindByTaskID(taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, errs.New(errs.CodeNotFound, "任务不存在"))
			return
		}
		writeError(w, errs.Wrap(errs.CodeSystemError, "查询任务失败", err))
		return
	}
	writeOK(w, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	list, err := s.store.FindRecentHomeworks(userID)
	if err != nil {
		writeError(w, errs.Wrap(errs.CodeSystemError, "查询历史记录失败", err))
		return
	}
	if list == nil {
		list = []*core.Homework{}
	}
	writeOK(w, list)
}

func (s *Server) handleGrowth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, _ := strconv.ParseInt(vars["userId"], 10, 64)
	curve, err := s.store.GetGrowthCurve(userID, vars["charName"])
	if err != nil {
		writeError(w, errs.Wrap(errs.CodeSystemError, "查询成长曲线失败", err))
		return
	}
	if curve == nil {
		curve = []*core.CharAnalysis{}
	}
	writeOK(w, curve)
}

// readUpload decodes the multipart form and returns the uploaded file bytes.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", errs.New(errs.CodeFileTooLarge, "文件过大，最大支持 10MB")
		}
		return nil, "", errs.Wrap(errs.CodeAnalyzeFailed, "无效的上传请求", err)
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", errs.New(errs.CodeAnalyzeFailed, "缺少上传文件")
	}
	defer f.Close()
	fileBytes, err := io.ReadAll(f)
	if err != nil {
		return nil, "", errs.Wrap(errs.CodeAnalyzeFailed, "读取上传文件失败", err)
	}
	return fileBytes, header.Filename, nil
}

// floodCheck rejects users calling more than floodMaxCalls times within the
// trailing window. Anonymous requests bypass the check.
func (s *Server) floodCheck(userID *int64) error {
	if userID == nil {
		return nil
	}
	n, err := s.store.CountRecentCalls(*userID, floodWindowMinutes)
	if err != nil {
		slog.Warn("flood check query failed, allowing request", "userId", *userID, "error", err)
		return nil
	}
	if n >= floodMaxCalls {
		s.metrics.RecordFloodRejection()
		slog.Warn("user flood limit hit", "userId", *userID, "recentCalls", n)
		return errs.ErrRateLimited
	}
	return nil
}

// resolveTemplate loads the copybook template named in the form, if any.
// Unknown or malformed ids degrade to no grid cropping.
func (s *Server) resolveTemplate(raw string) *core.CopybookTemplate {
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("malformed templateId ignored", "templateId", raw)
		return nil
	}
	tpl, err := s.store.FindTemplate(id)
	if err != nil {
		slog.Warn("unknown templateId ignored", "templateId", id)
		return nil
	}
	return tpl
}

// persistBatch saves a grading outcome. Persistence failures never turn a
// successful grading into a failed response.
func (s *Server) persistBatch(result *core.BatchResult, fileName string, userID *int64, copyBookID string) {
	if err := s.store.SaveResult(result, fileName, userID, copyBookID); err != nil {
		slog.Warn("persisting grading result failed", "taskId", result.TaskID, "error", err)
	}
}

func (s *Server) persistSingle(result *core.SingleCharResult, userID *int64) {
	if err := s.store.SaveSingleResult(result, userID); err != nil {
		slog.Warn("persisting single-char result failed", "taskId", result.TaskID, "error", err)
	}
}

func (s *Server) logUsage(mode, taskID string, userID *int64, charCount int, elapsed time.Duration, callErr error) {
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}
	err := s.store.LogKeyUsage(taskID, userID, s.cfg.AI.Provider, mode,
		charCount, elapsed.Milliseconds(), callErr == nil, errMsg, 0)
	if err != nil {
		slog.Warn("key usage log failed", "taskId", taskID, "error", err)
	}
}

func parseUserID(raw string) *int64 {
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func outcomeOf(err error) string {
	switch errs.CodeOf(err) {
	case errs.CodeExhausted:
		return "exhausted"
	case errs.CodeAIError:
		return "ai_error"
	default:
		return "error"
	}
}

package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"custodian/core"
	"custodian/intake"
	"custodian/storage"

	"github.com/gorilla/mux"
)

func (a *API) handleListFiles(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]
	files, err := a.files.ListFiles(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list case files", err, a.logger)
		return
	}

	// Optional status filter, e.g. ?status=error.
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := files[:0]
		for _, f := range files {
			if string(f.Status) == status {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}
	if files == nil {
		files = []core.CaseFile{}
	}
	writeJSON(w, http.StatusOK, files, a.logger)
}

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := a.files.GetFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load file", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, file, a.logger)
}

// intakeRequest submits one staged artifact for admission. Path must point
// inside the staging directory; the server never fetches remote content.
type intakeRequest struct {
	Path   string `json:"path"`
	Origin string `json:"origin"`
}

type intakeResponse struct {
	Outcome string         `json:"outcome"`
	File    *core.CaseFile `json:"file,omitempty"`
}

func (a *API) handleIntake(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]

	var req intakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err, a.logger)
		return
	}
	if req.Origin == "" {
		req.Origin = "interactive"
	}
	if err := a.validateStagedPath(req.Path); err != nil {
		writeError(w, http.StatusBadRequest, "path must be inside the staging directory", err, a.logger)
		return
	}

	decision, err := a.gate.Evaluate(r.Context(), req.Path, caseID, req.Origin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "intake failed", err, a.logger)
		return
	}

	// A newly admitted file immediately enters the full pipeline.
	if decision.Outcome == intake.OutcomeNew {
		task := core.NewPipelineTask(caseID, decision.File.ID, core.StageFull)
		if err := a.queue.Enqueue(r.Context(), task); err != nil {
			writeError(w, http.StatusInternalServerError, "file admitted but enqueue failed", err, a.logger)
			return
		}
	}

	status := http.StatusCreated
	if decision.Outcome != intake.OutcomeNew {
		status = http.StatusOK
	}
	writeJSON(w, status, intakeResponse{
		Outcome: string(decision.Outcome),
		File:    decision.File,
	}, a.logger)
}

// validateStagedPath confines intake to the staging directory.
func (a *API) validateStagedPath(path string) error {
	if path == "" {
		return errors.New("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	staging, err := filepath.Abs(a.config.DataPaths.StagingDir)
	if err != nil {
		return err
	}
	if abs != staging && !strings.HasPrefix(abs, staging+string(filepath.Separator)) {
		return errors.New("path escapes staging directory")
	}
	return nil
}

func (a *API) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.files.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete file", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hiddenRequest struct {
	Hidden bool `json:"hidden"`
}

func (a *API) handleSetHidden(w http.ResponseWriter, r *http.Request) {
	var req hiddenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err, a.logger)
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.files.SetHidden(r.Context(), id, req.Hidden); err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update file", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := a.violations.ListForFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list violations", err, a.logger)
		return
	}
	if violations == nil {
		violations = []core.Violation{}
	}
	writeJSON(w, http.StatusOK, violations, a.logger)
}

func (a *API) handleListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := a.iocs.ListMatchesForFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list matches", err, a.logger)
		return
	}
	if matches == nil {
		matches = []core.IOCMatch{}
	}
	writeJSON(w, http.StatusOK, matches, a.logger)
}

// runRequest triggers a stage over a scope.
type runRequest struct {
	Stage   string   `json:"stage"`
	CaseID  string   `json:"case_id,omitempty"`
	FileIDs []string `json:"file_ids,omitempty"`
	Global  bool     `json:"global,omitempty"`
}

type runResponse struct {
	Enqueued []string `json:"enqueued"`
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err, a.logger)
		return
	}

	var scope core.Scope
	switch {
	case req.Global:
		scope = core.GlobalScope()
	case len(req.FileIDs) > 0:
		scope = core.FileScope(req.FileIDs...)
	default:
		scope = core.CaseScope(req.CaseID)
	}

	enqueued, err := a.pipeline.Dispatch(r.Context(), a.queue, scope, core.Stage(req.Stage))
	if err != nil {
		if len(enqueued) == 0 {
			writeError(w, http.StatusBadRequest, "failed to dispatch stage", err, a.logger)
			return
		}
		// Partial success: report what got through.
		a.logger.Errorw("Partial dispatch", "error", err, "enqueued", len(enqueued))
	}
	writeJSON(w, http.StatusAccepted, runResponse{Enqueued: enqueued}, a.logger)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := a.queue.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue depth", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"depth": depth}, a.logger)
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters", err, a.logger)
		return
	}
	if tasks == nil {
		tasks = []*core.PipelineTask{}
	}
	writeJSON(w, http.StatusOK, tasks, a.logger)
}

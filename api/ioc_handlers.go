package api

import (
	"errors"
	"net/http"
	"strings"

	"custodian/core"
	"custodian/storage"

	"github.com/gorilla/mux"
)

type createIOCRequest struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

func (a *API) handleCreateIOC(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]

	var req createIOCRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err, a.logger)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ioc := &core.IOC{
		CaseID:      caseID,
		Type:        core.IOCType(strings.ToLower(req.Type)),
		Value:       req.Value,
		Description: req.Description,
		Enabled:     enabled,
	}
	if err := ioc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	if err := a.iocs.CreateIOC(r.Context(), ioc); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create indicator", err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, ioc, a.logger)
}

func (a *API) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	iocs, err := a.iocs.ListEnabledForCase(r.Context(), mux.Vars(r)["caseID"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list indicators", err, a.logger)
		return
	}
	if iocs == nil {
		iocs = []core.IOC{}
	}
	writeJSON(w, http.StatusOK, iocs, a.logger)
}

func (a *API) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := a.iocs.GetIOC(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrIOCNotFound) {
			writeError(w, http.StatusNotFound, "indicator not found", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load indicator", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, ioc, a.logger)
}

func (a *API) handleDeleteIOC(w http.ResponseWriter, r *http.Request) {
	if err := a.iocs.DeleteIOC(r.Context(), mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, storage.ErrIOCNotFound) {
			writeError(w, http.StatusNotFound, "indicator not found", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete indicator", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

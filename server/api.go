package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alimasry/go-patch-history/history"
	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

const maxBodySize = 1 << 20

// documentRequest is the body of create and update requests.
type documentRequest struct {
	Fields   map[string]any `json:"fields"`
	Virtuals map[string]any `json:"virtuals,omitempty"`
	// Version, when set on update, must match the stored version.
	Version *int `json:"version,omitempty"`
}

type rollbackRequest struct {
	PatchID  string         `json:"patchId"`
	Fields   map[string]any `json:"fields,omitempty"`
	Virtuals map[string]any `json:"virtuals,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type api struct {
	model *history.Model
	log   *slog.Logger
}

func (a *api) createDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !a.decode(w, r, &req) {
		return
	}
	doc := a.model.New(req.Fields)
	setVirtuals(doc, req.Virtuals)
	saved, err := a.model.Save(r.Context(), doc)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, saved)
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.model.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

func (a *api) updateDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !a.decode(w, r, &req) {
		return
	}
	doc, err := a.model.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if req.Version != nil && *req.Version != doc.Version {
		a.writeError(w, fmt.Errorf("document %q at version %d, update for %d: %w", doc.ID, doc.Version, *req.Version, store.ErrVersionConflict))
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}
	doc.Fields = req.Fields
	setVirtuals(doc, req.Virtuals)
	saved, err := a.model.Save(r.Context(), doc)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, saved)
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.model.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.model.Remove(r.Context(), doc); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listPatches(w http.ResponseWriter, r *http.Request) {
	order := store.Ascending
	switch r.URL.Query().Get("order") {
	case "", "asc":
	case "desc":
		order = store.Descending
	default:
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order must be asc or desc"})
		return
	}
	ps, err := a.model.Patches().FindByRef(r.Context(), r.PathValue("id"), order)
	if err != nil {
		a.writeError(w, patch.Wrap(patch.ErrKindStorage, "find patches", err))
		return
	}
	if ps == nil {
		ps = []*store.Patch{}
	}
	a.writeJSON(w, http.StatusOK, ps)
}

func (a *api) rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.PatchID == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "patchId is required"})
		return
	}
	doc, err := a.model.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	setVirtuals(doc, req.Virtuals)
	saved, err := a.model.Rollback(r.Context(), doc, req.PatchID, req.Fields)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, saved)
}

func setVirtuals(doc *store.Document, virtuals map[string]any) {
	for k, v := range virtuals {
		doc.SetVirtual(k, v)
	}
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case patch.IsKind(err, patch.ErrKindRollback), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, history.ErrInvalidIncludedField):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	if kind := patch.KindOf(err); kind != 0 {
		resp.Kind = kind.String()
	}
	a.writeJSON(w, status, resp)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write response", "error", err)
	}
}

// Package httpapi implements the HTTP front end of the board server:
// stateless handlers, routed by github.com/gorilla/mux, that parse,
// validate, and dispatch mutations into the addressed board.Session and
// render JSON responses.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kanvas/boardserver/board"
	"github.com/kanvas/boardserver/board/idgen"
	"github.com/kanvas/boardserver/board/registry"
	"github.com/kanvas/boardserver/board/validate"
	"github.com/kanvas/boardserver/slogger"
)

// Handler wires the session registry to the API routes.
type Handler struct {
	registry   *registry.Registry
	logger     slogger.Logger
	clientHTML []byte // served for GET /{id}; nil answers 501 Not Implemented
}

// New constructs a Handler backed by reg. clientHTML, if non-nil, is
// served verbatim for the in-browser rendering client route (GET /{id});
// this server does not generate it.
func New(reg *registry.Registry, logger slogger.Logger, clientHTML []byte) *Handler {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Handler{registry: reg, logger: logger, clientHTML: clientHTML}
}

// Router builds the *mux.Router exposing the full HTTP surface.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.handleRootRedirect).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", h.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/elements", h.handleListElements).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/elements", h.handleCreateElement).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/elements", h.handleClear).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{id}/elements/batch", h.handleCreateBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/elements/{eid}", h.handleGetElement).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/elements/{eid}", h.handleUpdateElement).Methods(http.MethodPut)
	r.HandleFunc("/api/sessions/{id}/elements/{eid}", h.handleDeleteElement).Methods(http.MethodDelete)
	r.HandleFunc("/{id}", h.handleClientPage).Methods(http.MethodGet)
	return r
}

// handleRootRedirect answers GET / with a 302 to a newly-minted session
// identifier. The session is created (and its empty record persisted)
// before the redirect is sent.
func (h *Handler) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	id := idgen.NewSessionID()
	if _, err := h.registry.GetOrCreate(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, "/"+id, http.StatusFound)
}

// handleClientPage serves the static rendering client for a session id —
// whatever bytes the process was configured with.
func (h *Handler) handleClientPage(w http.ResponseWriter, r *http.Request) {
	if h.clientHTML == nil {
		http.Error(w, "client not configured", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(h.clientHTML)
}

type sessionView struct {
	ID           string          `json:"id"`
	ElementCount int             `json:"elementCount"`
	Elements     []board.Element `json:"elements"`
	UserCount    int             `json:"userCount"`
	CreatedAt    int64           `json:"createdAt"`
}

// handleGetSession answers GET /api/sessions/{id}. Reads against a
// session with no persisted record fail with 404; GETs never implicitly
// create.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap := sess.Snapshot()
	writeJSON(w, http.StatusOK, sessionView{
		ID:           id,
		ElementCount: len(snap.Elements),
		Elements:     snap.Elements,
		UserCount:    snap.UserCount,
		CreatedAt:    sess.CreatedAt,
	})
}

// handleListElements answers GET /api/sessions/{id}/elements.
func (h *Handler) handleListElements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap := sess.Snapshot()
	if snap.Elements == nil {
		snap.Elements = []board.Element{}
	}
	writeJSON(w, http.StatusOK, snap.Elements)
}

// handleGetElement answers GET /api/sessions/{id}/elements/{eid}.
func (h *Handler) handleGetElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := h.registry.Get(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	el, err := sess.Element(vars["eid"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

// handleCreateElement answers POST /api/sessions/{id}/elements. The
// session is auto-created if this is the first reference to its
// identifier: writes implicitly create.
func (h *Handler) handleCreateElement(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var el board.Element
	if err := json.NewDecoder(r.Body).Decode(&el); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", board.ErrValidation, err))
		return
	}
	if err := validate.Element(el); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stored, err := sess.ApplyCreate(r.Context(), el, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleCreateBatch answers POST /api/sessions/{id}/elements/batch. The
// whole array is validated before any element is applied; an invalid
// batch commits nothing.
func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var elements []board.Element
	if err := json.NewDecoder(r.Body).Decode(&elements); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", board.ErrValidation, err))
		return
	}
	if err := validate.Batch(elements); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stored, err := sess.ApplyCreateBatch(r.Context(), elements, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleUpdateElement answers PUT /api/sessions/{id}/elements/{eid}. An
// update always results in a broadcast "move" frame, even when the patch
// touches no geometric field — a single notification channel serves both
// drags and attribute edits.
func (h *Handler) handleUpdateElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", board.ErrValidation, err))
		return
	}
	sess, err := h.registry.GetOrCreate(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	merged, err := sess.ApplyUpdate(r.Context(), vars["eid"], patch, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// handleDeleteElement answers DELETE /api/sessions/{id}/elements/{eid}.
func (h *Handler) handleDeleteElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := h.registry.GetOrCreate(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := sess.ApplyDelete(r.Context(), vars["eid"], nil); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClear answers DELETE /api/sessions/{id}/elements.
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := h.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := sess.ApplyClear(r.Context(), nil); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorBody is the JSON error envelope every failed request returns.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps a sentinel error to its HTTP status code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, board.ErrSessionNotFound), errors.Is(err, board.ErrElementNotFound):
		status = http.StatusNotFound
	case errors.Is(err, board.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, board.ErrSessionStopped):
		// The registry evicted the session between lookup and dispatch;
		// the caller can safely retry and get a freshly rehydrated one.
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("unhandled request error", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

package app

import (
	"net/http"
	"strings"

	"ims/api/internal/rbac"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) entryRoutes(router *mux.Router) {
	router.HandleFunc("/api/sections", s.authed(rbac.ActionRead, s.handleSections)).Methods(http.MethodGet)
	router.HandleFunc("/api/sections/{section}", s.authed(rbac.ActionRead, s.handleListSection)).Methods(http.MethodGet)
	router.HandleFunc("/api/sections/{section}/categories", s.authed(rbac.ActionWrite, s.handleCreateCategory)).Methods(http.MethodPost)

	router.HandleFunc("/api/categories/{id}", s.authed(rbac.ActionWrite, s.handleRenameCategory)).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/api/categories/{id}", s.authed(rbac.ActionWrite, s.handleDeleteCategory)).Methods(http.MethodDelete)
	router.HandleFunc("/api/categories/{id}/reorder", s.authed(rbac.ActionWrite, s.handleReorderCategory)).Methods(http.MethodPost)

	router.HandleFunc("/api/entries", s.authed(rbac.ActionWrite, s.handleCreateEntry)).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}", s.authed(rbac.ActionRead, s.handleGetEntry)).Methods(http.MethodGet)
	router.HandleFunc("/api/entries/{id}", s.authed(rbac.ActionWrite, s.handleUpdateEntry)).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/api/entries/{id}", s.authed(rbac.ActionWrite, s.handleDeleteEntry)).Methods(http.MethodDelete)
	router.HandleFunc("/api/entries/{id}/archive", s.authed(rbac.ActionWrite, s.handleArchive(true))).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}/unarchive", s.authed(rbac.ActionWrite, s.handleArchive(false))).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}/reorder", s.authed(rbac.ActionWrite, s.handleReorderEntry)).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}/move", s.authed(rbac.ActionWrite, s.handleMoveEntry)).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}/history", s.authed(rbac.ActionRead, s.handleDetailsHistory)).Methods(http.MethodGet)
	router.HandleFunc("/api/entries/{id}/history/{hash}", s.authed(rbac.ActionRead, s.handleDetailsAt)).Methods(http.MethodGet)

	router.HandleFunc("/api/entries/{id}/versions", s.authed(rbac.ActionRead, s.handleListVersions)).Methods(http.MethodGet)
	router.HandleFunc("/api/entries/{id}/versions", s.authed(rbac.ActionWrite, s.handleAddVersion)).Methods(http.MethodPost)
	router.HandleFunc("/api/entries/{id}/reviews", s.authed(rbac.ActionRead, s.handleListReviews)).Methods(http.MethodGet)
	router.HandleFunc("/api/entries/{id}/reviews", s.authed(rbac.ActionReview, s.handleAddReview)).Methods(http.MethodPost)
	router.HandleFunc("/api/reviews/due", s.authed(rbac.ActionRead, s.handleDueReviews)).Methods(http.MethodGet)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, session Session) {
	writeJSON(w, http.StatusOK, s.service.Sections())
}

func (s *HTTPServer) handleListSection(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.ListSection(r.Context(), session, mux.Vars(r)["section"], queryBool(r, "includeArchived"))
	respond(w, r, http.StatusOK, payload, err)
}

type titleBody struct {
	Title string `json:"title"`
}

type directionBody struct {
	Direction string `json:"direction"`
}

func (s *HTTPServer) handleCreateCategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body titleBody
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.CreateCategory(r.Context(), session, mux.Vars(r)["section"], body.Title)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleRenameCategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body titleBody
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.RenameCategory(r.Context(), session, mux.Vars(r)["id"], body.Title)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeleteCategory(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteCategory(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReorderCategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body directionBody
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.ReorderCategory(r.Context(), session, mux.Vars(r)["id"], body.Direction)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreateEntry(w http.ResponseWriter, r *http.Request, session Session) {
	var body EntryInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.CreateEntry(r.Context(), session, body)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleGetEntry(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.GetEntry(r.Context(), session, mux.Vars(r)["id"])
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleUpdateEntry(w http.ResponseWriter, r *http.Request, session Session) {
	var body EntryPatch
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.UpdateEntry(r.Context(), session, mux.Vars(r)["id"], body)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeleteEntry(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteEntry(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleArchive(archived bool) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, session Session) {
		payload, err := s.service.SetArchived(r.Context(), session, mux.Vars(r)["id"], archived)
		respond(w, r, http.StatusOK, payload, err)
	}
}

func (s *HTTPServer) handleReorderEntry(w http.ResponseWriter, r *http.Request, session Session) {
	var body directionBody
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.ReorderEntry(r.Context(), session, mux.Vars(r)["id"], body.Direction)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleMoveEntry(w http.ResponseWriter, r *http.Request, session Session) {
	var body MoveInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.MoveEntry(r.Context(), session, mux.Vars(r)["id"], body)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDetailsHistory(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	payload, err := s.service.DetailsHistory(r.Context(), session, mux.Vars(r)["id"], limit)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDetailsAt(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	payload, err := s.service.DetailsAt(r.Context(), session, vars["id"], vars["hash"])
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.ListVersions(r.Context(), session, mux.Vars(r)["id"])
	respond(w, r, http.StatusOK, payload, err)
}

// handleAddVersion accepts a multipart form (label, notes, file) or a JSON
// body for a version without a file.
func (s *HTTPServer) handleAddVersion(w http.ResponseWriter, r *http.Request, session Session) {
	var input VersionInput
	var upload *Upload
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := s.parseMultipart(w, r); err != nil {
			writeServiceError(w, r, err)
			return
		}
		input.Label = r.FormValue("label")
		input.Notes = r.FormValue("notes")
		file, closeFile, err := formUpload(r, "file")
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		defer closeFile()
		upload = file
	} else if !decodeOrReject(w, r, &input) {
		return
	}
	payload, err := s.service.AddVersion(r.Context(), session, mux.Vars(r)["id"], input, upload)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleListReviews(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.ListReviews(r.Context(), session, mux.Vars(r)["id"])
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleAddReview(w http.ResponseWriter, r *http.Request, session Session) {
	var body ReviewInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.AddReview(r.Context(), session, mux.Vars(r)["id"], body)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleDueReviews(w http.ResponseWriter, r *http.Request, session Session) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	payload, err := s.service.DueReviews(r.Context(), session, days)
	respond(w, r, http.StatusOK, payload, err)
}

package app

import (
	"io"
	"net/http"
	"strings"

	"ims/api/internal/rbac"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) registerRoutes(router *mux.Router) {
	router.HandleFunc("/api/context", s.authed(rbac.ActionRead, s.handleListContext)).Methods(http.MethodGet)
	router.HandleFunc("/api/context", s.authed(rbac.ActionWrite, s.handleCreateContext)).Methods(http.MethodPost)
	router.HandleFunc("/api/context/{id}", s.authed(rbac.ActionWrite, s.handleUpdateContext)).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/api/context/{id}", s.authed(rbac.ActionWrite, s.handleDeleteContext)).Methods(http.MethodDelete)
	router.HandleFunc("/api/context/{id}/reorder", s.authed(rbac.ActionWrite, s.handleReorderContext)).Methods(http.MethodPost)

	router.HandleFunc("/api/energy/readings", s.authed(rbac.ActionRead, s.handleListReadings)).Methods(http.MethodGet)
	router.HandleFunc("/api/energy/readings", s.authed(rbac.ActionWrite, s.handleCreateReading)).Methods(http.MethodPost)
	router.HandleFunc("/api/energy/readings/{id}", s.authed(rbac.ActionWrite, s.handleUpdateReading)).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/api/energy/readings/{id}", s.authed(rbac.ActionWrite, s.handleDeleteReading)).Methods(http.MethodDelete)
	router.HandleFunc("/api/energy/import", s.authed(rbac.ActionWrite, s.handleImportReadings)).Methods(http.MethodPost)
	router.HandleFunc("/api/energy/dashboard", s.authed(rbac.ActionRead, s.handleEnergyDashboard)).Methods(http.MethodGet)

	router.HandleFunc("/api/audit", s.authed(rbac.ActionRead, s.handleListAudit)).Methods(http.MethodGet)
	router.HandleFunc("/api/search", s.authed(rbac.ActionRead, s.handleSearch)).Methods(http.MethodGet)

	router.HandleFunc("/api/entries/{id}/export", s.authed(rbac.ActionRead, s.handleExportEntry)).Methods(http.MethodGet)
	router.HandleFunc("/api/sections/{section}/export", s.authed(rbac.ActionRead, s.handleExportRegister)).Methods(http.MethodGet)
}

func (s *HTTPServer) handleListContext(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.ListContext(r.Context(), session)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreateContext(w http.ResponseWriter, r *http.Request, session Session) {
	var body ContextInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.CreateContextEntry(r.Context(), session, body)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleUpdateContext(w http.ResponseWriter, r *http.Request, session Session) {
	var body ContextInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.UpdateContextEntry(r.Context(), session, mux.Vars(r)["id"], body)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeleteContext(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteContextEntry(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReorderContext(w http.ResponseWriter, r *http.Request, session Session) {
	var body directionBody
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.ReorderContextEntry(r.Context(), session, mux.Vars(r)["id"], body.Direction)
	respond(w, r, http.StatusOK, payload, err)
}

// yearParam reads ?year, defaulting to the current year.
func (s *HTTPServer) yearParam(r *http.Request) (int, error) {
	return queryInt(r, "year", s.service.today().Year())
}

func (s *HTTPServer) handleListReadings(w http.ResponseWriter, r *http.Request, session Session) {
	year, err := s.yearParam(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	payload, err := s.service.ListReadings(r.Context(), session, year, r.URL.Query().Get("site"))
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreateReading(w http.ResponseWriter, r *http.Request, session Session) {
	var body ReadingInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.CreateReading(r.Context(), session, body)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleUpdateReading(w http.ResponseWriter, r *http.Request, session Session) {
	var body ReadingInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.UpdateReading(r.Context(), session, mux.Vars(r)["id"], body)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeleteReading(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteReading(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleImportReadings takes the CSV either as the "file" field of a
// multipart form or as the raw request body.
func (s *HTTPServer) handleImportReadings(w http.ResponseWriter, r *http.Request, session Session) {
	var source io.Reader
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := s.parseMultipart(w, r); err != nil {
			writeServiceError(w, r, err)
			return
		}
		upload, closeFile, err := formUpload(r, "file")
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		defer closeFile()
		if upload == nil {
			writeServiceError(w, r, validationError("file is required"))
			return
		}
		source = upload.Reader
	} else {
		if limit := s.service.cfg.UploadMaxBytes; limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		defer r.Body.Close()
		source = r.Body
	}
	payload, err := s.service.ImportReadings(r.Context(), session, source)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleEnergyDashboard(w http.ResponseWriter, r *http.Request, session Session) {
	year, err := s.yearParam(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	payload, err := s.service.EnergyDashboard(r.Context(), session, year, r.URL.Query().Get("site"))
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListAudit(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	payload, err := s.service.ListAudit(r.Context(), session, r.URL.Query().Get("entryId"), limit)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	query := r.URL.Query()
	payload, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), query.Get("section"), limit, offset)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleExportEntry(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ExportEntry(r.Context(), session, mux.Vars(r)["id"], r.URL.Query().Get("format"))
	writeExport(w, r, result, err)
}

func (s *HTTPServer) handleExportRegister(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ExportRegister(r.Context(), session, mux.Vars(r)["section"], queryBool(r, "includeArchived"), r.URL.Query().Get("format"))
	writeExport(w, r, result, err)
}

package app

import (
	"io"
	"net/http"
	"strconv"

	"ims/api/internal/rbac"
	"ims/api/internal/store"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) documentRoutes(router *mux.Router) {
	router.HandleFunc("/api/documents", s.authed(rbac.ActionRead, s.handleListDocuments)).Methods(http.MethodGet)
	router.HandleFunc("/api/documents", s.authed(rbac.ActionWrite, s.handleUploadDocument)).Methods(http.MethodPost)
	router.HandleFunc("/api/documents/{id}", s.authed(rbac.ActionRead, s.handleGetDocument)).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}/download", s.authed(rbac.ActionRead, s.handleDownloadDocument)).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}", s.authed(rbac.ActionWrite, s.handleDeleteDocument)).Methods(http.MethodDelete)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	payload, err := s.service.ListDocuments(r.Context(), session, store.AttachmentFilter{
		Folder:  query.Get("folder"),
		EntryID: query.Get("entryId"),
		Query:   query.Get("q"),
	})
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleUploadDocument(w http.ResponseWriter, r *http.Request, session Session) {
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
	payload, err := s.service.UploadDocument(r.Context(), session, r.FormValue("folder"), r.FormValue("entryId"), upload)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.GetDocument(r.Context(), session, mux.Vars(r)["id"])
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDownloadDocument(w http.ResponseWriter, r *http.Request, session Session) {
	download, err := s.service.OpenDocument(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if download.URL != "" {
		http.Redirect(w, r, download.URL, http.StatusFound)
		return
	}
	defer download.Body.Close()

	header := w.Header()
	header.Set("Content-Type", download.Document.ContentType)
	header.Set("Content-Disposition", contentDisposition("attachment", download.Document.Filename))
	if download.Document.SizeBytes > 0 {
		header.Set("Content-Length", strconv.FormatInt(download.Document.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.Body); err != nil {
		log.WithError(err).WithField("document", download.Document.ID).Warn("stream document")
	}
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteDocument(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

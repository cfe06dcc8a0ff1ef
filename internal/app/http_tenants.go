package app

import (
	"net/http"

	"ims/api/internal/rbac"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) tenantRoutes(router *mux.Router) {
	router.HandleFunc("/api/tenants", s.authed(rbac.ActionRead, s.handleMyTenants)).Methods(http.MethodGet)
	router.HandleFunc("/api/tenants", s.authed(rbac.ActionRead, s.handleCreateTenant)).Methods(http.MethodPost)

	router.HandleFunc("/api/members", s.authed(rbac.ActionAdmin, s.handleListMembers)).Methods(http.MethodGet)
	router.HandleFunc("/api/members", s.authed(rbac.ActionAdmin, s.handleAddMember)).Methods(http.MethodPost)
	router.HandleFunc("/api/members/{userId}", s.authed(rbac.ActionAdmin, s.handleSetMemberRole)).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/api/members/{userId}", s.authed(rbac.ActionAdmin, s.handleRemoveMember)).Methods(http.MethodDelete)
}

func (s *HTTPServer) handleMyTenants(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.MyTenants(r.Context(), session)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreateTenant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.CreateTenant(r.Context(), session, body.Name, body.Slug)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.ListMembers(r.Context(), session)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.AddMember(r.Context(), session, body.Email, body.Role)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleSetMemberRole(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role string `json:"role"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.SetMemberRole(r.Context(), session, mux.Vars(r)["userId"], body.Role)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.RemoveMember(r.Context(), session, mux.Vars(r)["userId"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

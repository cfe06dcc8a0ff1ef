package app

import (
	"net/http"

	"ims/api/internal/rbac"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) authRoutes(router *mux.Router) {
	throttled := func(path string, handler http.HandlerFunc) {
		router.Handle(path, s.limiter.Handler(handler)).Methods(http.MethodPost)
	}
	throttled("/api/auth/signup", s.handleSignUp)
	throttled("/api/auth/signin", s.handleSignIn)
	throttled("/api/auth/verify-email", s.handleVerifyEmail)
	throttled("/api/auth/resend-verification", s.handleResendVerification)
	throttled("/api/auth/reset-password/request", s.handleRequestReset)
	throttled("/api/auth/reset-password", s.handleResetPassword)
	throttled("/api/session/refresh", s.handleRefresh)

	router.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	router.HandleFunc("/api/session/logout", s.handleLogout).Methods(http.MethodPost)
	router.HandleFunc("/api/session/switch", s.authed(rbac.ActionRead, s.handleSwitchTenant)).Methods(http.MethodPost)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body SignUpInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.SignUp(r.Context(), body)
	respond(w, r, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Tenant   string `json:"tenant"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password, body.Tenant)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully",
	})
}

func (s *HTTPServer) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.ResendVerification(r.Context(), body.Email)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	payload, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"tenantId":      session.TenantID,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSwitchTenant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		TenantID     string `json:"tenantId"`
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	next, err := s.service.SwitchTenant(r.Context(), session, body.TenantID, body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(next))
}

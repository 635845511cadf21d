package handlers

import (
	"net/http"

	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/utils"
)

// AuthenticatedMessage is the acknowledgement body of the protected probe
const AuthenticatedMessage = "OK authenticated"

// WhoAmIResponse describes the caller of a protected request
type WhoAmIResponse struct {
	Subject  string   `json:"sub"`
	Username string   `json:"preferred_username,omitempty"`
	Roles    []string `json:"roles"`
}

// AuthenticateHandler handles GET /api/authenticate. It only runs behind
// RequireAuth and performs no checks of its own.
func AuthenticateHandler(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, AuthenticatedMessage)
}

// WhoAmIHandler handles GET /api/me
func WhoAmIHandler(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	roles := principal.Roles()
	if roles == nil {
		roles = []string{}
	}
	_ = utils.WriteJSON(w, http.StatusOK, WhoAmIResponse{
		Subject:  principal.Subject,
		Username: principal.StringClaim("preferred_username"),
		Roles:    roles,
	})
}

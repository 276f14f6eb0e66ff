package httpapi

import (
	"errors"
	"net/http"

	"truxe.io/internal/auth"
	"truxe.io/internal/magiclink"
)

type magicLinkRequest struct {
	Email        string `json:"email"`
	Organization string `json:"organization,omitempty"`
}

type magicLinkVerifyRequest struct {
	Token string `json:"token"`
}

type magicLinkVerifyResponse struct {
	Outcome magiclink.Outcome `json:"outcome"`
	User    auth.User         `json:"user"`
	Session auth.Session      `json:"session"`
	Tokens  auth.TokenPair    `json:"tokens"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

type switchOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

type meResponse struct {
	User         auth.User        `json:"user"`
	SessionID    string           `json:"session_id"`
	Organization *auth.OrgContext `json:"organization,omitempty"`
}

// handleMagicLinkRequest answers 202 for every well-formed request so callers cannot probe
// which addresses are registered.
func (a *API) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision := a.linkLimiter.Decide(clientIP(r))
	if err := a.svc.MagicLink.RequestLink(r.Context(), req.Email, req.Organization, decision); err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			tooManyRequests(w, r, decision.RetryAfter)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	var req magicLinkVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.MagicLink.Verify(r.Context(), req.Token, deviceFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Outcome == magiclink.NewlyCreatedUser {
		code = http.StatusCreated
	}
	writeJSON(w, code, magicLinkVerifyResponse{
		Outcome: res.Outcome,
		User:    res.User,
		Session: res.Session,
		Tokens:  res.Tokens,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, _, err := a.svc.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRevoke follows RFC 7009: unknown or already revoked tokens still succeed.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	if err := a.svc.Tokens.RevokeToken(r.Context(), req.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// the presented token may outlive a session the store already dropped
	if raw, ok := auth.TokenFromContext(r.Context()); ok {
		if err := a.svc.Tokens.RevokeToken(r.Context(), raw); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	if err := a.svc.Sessions.RevokeSession(r.Context(), p.SessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	n, err := a.svc.Sessions.RevokeAllSessions(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (a *API) handleSwitchOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req switchOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.Sessions.SwitchOrganization(r.Context(), p.SessionID, req.OrganizationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	user, err := a.svc.Users.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, SessionID: p.SessionID, Organization: p.Org})
}

package httpapi

import (
	"fmt"
	"net/http"

	"truxe.io/internal/tenancy"
)

type createOrganizationRequest struct {
	Slug     string         `json:"slug"`
	Name     string         `json:"name"`
	ParentID string         `json:"parent_id,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.svc.Directory.CreateOrganization(r.Context(), tenancy.CreateOrganizationInput{
		Slug:     req.Slug,
		Name:     req.Name,
		ParentID: req.ParentID,
		OwnerID:  p.UserID,
		Settings: req.Settings,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
	writeJSON(w, http.StatusCreated, org)
}

// handleListMembers revalidates membership against storage; the token's org claim is not trusted here.
func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	members, err := a.svc.Directory.ListMembers(r.Context(), p.UserID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type updateOrganizationRequest struct {
	ParentID *string `json:"parent_id"`
}

// handleSetParent moves an organization in the hierarchy. An empty parent_id detaches it.
func (a *API) handleSetParent(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req updateOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ParentID == nil {
		writeError(w, r, http.StatusBadRequest, "parent_id is required")
		return
	}
	if err := a.svc.Directory.SetParent(r.Context(), p.UserID, r.PathValue("id"), *req.ParentID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMemberRequest struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.Directory.AddMember(r.Context(), tenancy.AddMemberInput{
		ActorID:        p.UserID,
		OrganizationID: r.PathValue("id"),
		UserID:         req.UserID,
		Role:           req.Role,
		Permissions:    req.Permissions,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.svc.Directory.RemoveMember(r.Context(), p.UserID, r.PathValue("id"), r.PathValue("user_id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"vestnik/internal/auth"
	"vestnik/internal/content"
	"vestnik/internal/models"
)

type tokenService interface {
	IssueToken(userID string) (auth.IssuedToken, error)
	Revoke(token string) error
}

type peerLister interface {
	Peers() []models.PresenceRecord
	Online() int
}

type AdminHandler struct {
	tokens tokenService
	hub    peerLister
}

func NewAdminHandler(tokens tokenService, hub peerLister) *AdminHandler {
	return &AdminHandler{tokens: tokens, hub: hub}
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type IssueTokenRequest struct {
	UserID string `json:"userId"`
}

type IssueTokenResponse struct {
	APIResponse
	auth.IssuedToken
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

type PeersResponse struct {
	Online int                     `json:"online"`
	Peers  []models.PresenceRecord `json:"peers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	issued, err := h.tokens.IssueToken(req.UserID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, content.ErrInvalidPeerID) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, IssueTokenResponse{
		APIResponse: APIResponse{Success: true},
		IssuedToken: issued,
	})
}

func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	if err := h.tokens.Revoke(req.Token); err != nil {
		writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to revoke token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Token revoked"})
}

func (h *AdminHandler) PeersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PeersResponse{
		Online: h.hub.Online(),
		Peers:  h.hub.Peers(),
	})
}

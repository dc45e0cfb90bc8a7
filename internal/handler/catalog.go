package handler

import (
	"net/http"

	"github.com/gamedata-sync/internal/domain"
	"github.com/go-chi/chi/v5"
)

// ListGames handles GET /games
func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"games":   h.catalog.ListActive(),
	})
}

// GetGame handles GET /games/{gameKey}. Inactive games are hidden.
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.GetByKey(chi.URLParam(r, "gameKey"))
	if err == nil && !def.IsActive {
		err = domain.ErrGameNotFound
	}
	if err != nil {
		h.writeServiceError(w, r, "get game", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"game":    def,
	})
}

// RegisterGame handles POST /admin/games
func (h *Handler) RegisterGame(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterGameRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	def, err := h.catalog.Register(r.Context(), req.ToDefinition())
	if err != nil {
		h.writeServiceError(w, r, "register game", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"game":    def,
	})
}

// SetGameActive handles PUT /admin/games/{gameKey}/active
func (h *Handler) SetGameActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !h.decodeBody(w, r, &req, false) {
		return
	}
	if req.Active == nil {
		h.writeError(w, http.StatusBadRequest, "active: is required")
		return
	}

	def, err := h.catalog.SetActive(r.Context(), chi.URLParam(r, "gameKey"), *req.Active)
	if err != nil {
		h.writeServiceError(w, r, "set game active", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"game":    def,
	})
}

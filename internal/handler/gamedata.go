package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gamedata-sync/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SaveDataResponse is returned by a successful save
type SaveDataResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	ChildID uuid.UUID              `json:"childId"`
	GameKey string                 `json:"gameKey"`
	DataKey string                 `json:"dataKey"`
	Data    *domain.GameDataRecord `json:"data"`
}

// ListDataResponse is returned by a data listing
type ListDataResponse struct {
	Success  bool                    `json:"success"`
	GameData []domain.GameDataRecord `json:"gameData"`
}

// DeleteDataResponse is returned by data deletion
type DeleteDataResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Deleted int    `json:"deleted"`
}

// InstanceResponse wraps a child game instance
type InstanceResponse struct {
	Success  bool                      `json:"success"`
	Message  string                    `json:"message,omitempty"`
	Instance *domain.ChildGameInstance `json:"instance"`
}

// instanceRequest is the optional body of instance creation and settings updates
type instanceRequest struct {
	Settings json.RawMessage `json:"settings"`
}

// SaveData handles PUT /games/children/{childId}/data
func (h *Handler) SaveData(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	var req domain.SaveGameDataRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	rec, err := h.data.SaveChildData(r.Context(), childID, req)
	if err != nil {
		h.writeServiceError(w, r, "save game data", err)
		return
	}

	h.writeJSON(w, http.StatusOK, SaveDataResponse{
		Success: true,
		Message: "Game data saved",
		ChildID: childID,
		GameKey: rec.GameKey,
		DataKey: rec.DataKey,
		Data:    rec,
	})
}

// ListData handles GET /games/children/{childId}/data
func (h *Handler) ListData(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	gameKey := query.Get("gameKey")
	if gameKey != "" {
		if err := domain.ValidateGameKey(gameKey); err != nil {
			h.writeServiceError(w, r, "list game data", err)
			return
		}
	}
	filter := domain.DataFilter{
		DataKey:   query.Get("dataKey"),
		KeyPrefix: query.Get("dataKeyPrefix"),
	}

	records, err := h.data.ListChildData(r.Context(), childID, gameKey, filter)
	if err != nil {
		h.writeServiceError(w, r, "list game data", err)
		return
	}

	h.writeJSON(w, http.StatusOK, ListDataResponse{
		Success:  true,
		GameData: records,
	})
}

// GetData handles GET /games/children/{childId}/data/{gameKey}/{dataKey}.
// The record is returned unwrapped.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}
	gameKey, dataKey, ok := h.recordKey(w, r)
	if !ok {
		return
	}

	rec, err := h.data.GetChildData(r.Context(), childID, gameKey, dataKey)
	if err != nil {
		h.writeServiceError(w, r, "load game data", err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// DeleteData handles DELETE /games/children/{childId}/data/{gameKey}/{dataKey}
func (h *Handler) DeleteData(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}
	gameKey, dataKey, ok := h.recordKey(w, r)
	if !ok {
		return
	}

	deleted, err := h.data.DeleteChildData(r.Context(), childID, gameKey, dataKey)
	if err != nil {
		h.writeServiceError(w, r, "delete game data", err)
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, domain.ErrDataNotFound.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Game data deleted",
	})
}

// DeleteGameData handles DELETE /games/children/{childId}/data/{gameKey}
func (h *Handler) DeleteGameData(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	count, err := h.data.DeleteChildGameData(r.Context(), childID, chi.URLParam(r, "gameKey"))
	if err != nil {
		h.writeServiceError(w, r, "delete game data", err)
		return
	}

	h.writeJSON(w, http.StatusOK, DeleteDataResponse{
		Success: true,
		Message: "Game data deleted",
		Deleted: count,
	})
}

// CreateInstance handles POST /games/children/{childId}/instances/{gameKey}.
// It is idempotent: 201 when the instance is new, 200 when it existed.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	var req instanceRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}

	inst, created, err := h.data.ProvisionInstance(r.Context(), childID, chi.URLParam(r, "gameKey"), req.Settings)
	if err != nil {
		h.writeServiceError(w, r, "create game instance", err)
		return
	}

	status, message := http.StatusOK, "Game instance already exists"
	if created {
		status, message = http.StatusCreated, "Game instance created"
	}
	h.writeJSON(w, status, InstanceResponse{
		Success:  true,
		Message:  message,
		Instance: inst,
	})
}

// GetInstance handles GET /games/children/{childId}/instances/{gameKey}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	inst, err := h.data.GetInstance(r.Context(), childID, chi.URLParam(r, "gameKey"))
	if err != nil {
		h.writeServiceError(w, r, "get game instance", err)
		return
	}

	h.writeJSON(w, http.StatusOK, InstanceResponse{
		Success:  true,
		Instance: inst,
	})
}

// UpdateInstanceSettings handles PUT /games/children/{childId}/instances/{gameKey}/settings
func (h *Handler) UpdateInstanceSettings(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	var req instanceRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	inst, err := h.data.UpdateInstanceSettings(r.Context(), childID, chi.URLParam(r, "gameKey"), req.Settings)
	if err != nil {
		h.writeServiceError(w, r, "update instance settings", err)
		return
	}

	h.writeJSON(w, http.StatusOK, InstanceResponse{
		Success:  true,
		Message:  "Settings updated",
		Instance: inst,
	})
}

// ProvisionChild handles PUT /admin/children/{childId}
func (h *Handler) ProvisionChild(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.childID(w, r)
	if !ok {
		return
	}

	created, err := h.data.ProvisionChild(r.Context(), childID)
	if err != nil {
		h.writeServiceError(w, r, "provision child", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"childId": childID, "created": created},
	})
}

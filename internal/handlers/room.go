package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Room name validation: printable, 1-50 chars after sanitizing
var roomNameRegex = regexp.MustCompile(`^.{1,50}$`)

// CreateRoomRequest represents the room creation request.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// ListRoomsResponse represents the room listing response.
type ListRoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
	Total int            `json:"total"`
}

// CreateRoom handles room creation.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := sanitizeName(req.Name)
	if !roomNameRegex.MatchString(name) {
		h.Error(w, http.StatusUnprocessableEntity, "room name must be 1-50 characters")
		return
	}

	room, err := h.data.CreateRoom(r.Context(), name)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	h.JSON(w, http.StatusCreated, RoomResponse{
		ID:           room.ID,
		Name:         room.Name,
		Participants: room.Participants,
	})
}

// GetRoom returns one room and its participant set.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	room, err := h.data.GetRoom(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if room == nil {
		h.Error(w, http.StatusNotFound, "room not found")
		return
	}

	h.JSON(w, http.StatusOK, RoomResponse{
		ID:           room.ID,
		Name:         room.Name,
		Participants: room.Participants,
	})
}

// ListRooms returns a page of rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	rooms, total, err := h.data.ListRooms(r.Context(), limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	resp := ListRoomsResponse{Rooms: make([]RoomResponse, 0, len(rooms)), Total: total}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, RoomResponse{
			ID:           room.ID,
			Name:         room.Name,
			Participants: room.Participants,
		})
	}

	h.JSON(w, http.StatusOK, resp)
}

package chatter

import (
	"net/http"
	"strconv"

	"github.com/putto11262002/chatrooms/core"
	"github.com/putto11262002/chatrooms/pkg/router"
)

type ChatHandler struct {
	rooms      *core.MembershipTable
	router     *core.MessageRouter
	identities *core.IdentityCache
}

func NewChatHandler(rooms *core.MembershipTable, router *core.MessageRouter, identities *core.IdentityCache) *ChatHandler {
	return &ChatHandler{rooms: rooms, router: router, identities: identities}
}

func (h *ChatHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, h.rooms.Directory())
}

func (h *ChatHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	var payload core.RoomCreateInput
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	payload.CreatorID = user.ID

	room, err := h.rooms.CreateRoom(r.Context(), payload)
	if err != nil {
		return err
	}
	snap, err := h.rooms.Snapshot(r.Context(), room.ID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, snap)
}

type RoomResponse struct {
	core.RoomSnapshot
	Members []core.RoomMember `json:"members"`
}

func (h *ChatHandler) GetRoomByIDHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	var res RoomResponse
	err := h.rooms.Shared(r.Context(), roomID, func(rec *core.RoomRecord) error {
		res = RoomResponse{RoomSnapshot: rec.Snapshot(), Members: rec.Members()}
		return nil
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func messageQuery(r *http.Request) (core.MessageQuery, error) {
	var q core.MessageQuery
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			return q, router.NewStatusError(http.StatusBadRequest, "invalid before")
		}
		q.Before = before
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return q, router.NewStatusError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = limit
	}
	return q, nil
}

func (h *ChatHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	q, err := messageQuery(r)
	if err != nil {
		return err
	}
	messages, err := h.router.RoomHistory(r.Context(), user.ID, r.PathValue("roomID"), q)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) GetDirectMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	q, err := messageQuery(r)
	if err != nil {
		return err
	}
	messages, err := h.router.DirectHistory(r.Context(), user.ID, r.PathValue("userID"), q)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) RemoveRoomMemberHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	target, err := h.identities.Get(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	if target == nil {
		return core.ErrUserNotFound
	}
	if err := h.rooms.Remove(r.Context(), user.ID, target, r.PathValue("roomID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type SetRolePayload struct {
	Role core.MemberRole `json:"role" validate:"required,oneof=member moderator admin"`
}

func (h *ChatHandler) SetMemberRoleHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	var payload SetRolePayload
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	if err := h.rooms.SetRole(r.Context(), user.ID, r.PathValue("roomID"), r.PathValue("userID"), payload.Role); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ChatHandler) DeactivateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	if err := h.rooms.Deactivate(r.Context(), user.ID, r.PathValue("roomID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

package chatter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/putto11262002/chatrooms/core"
)

type UserHandler struct {
	identities *core.IdentityCache
	gateway    *core.Gateway
	presence   *core.PresenceRegistry
	friends    *core.Friends
}

func NewUserHandler(identities *core.IdentityCache, gateway *core.Gateway, presence *core.PresenceRegistry, friends *core.Friends) *UserHandler {
	return &UserHandler{identities: identities, gateway: gateway, presence: presence, friends: friends}
}

// UserResponse is a user with its live presence status.
type UserResponse struct {
	core.User
	Online bool `json:"online"`
}

func (h *UserHandler) response(u *core.User) UserResponse {
	res := UserResponse{User: *u, Online: h.presence.IsOnline(u.ID)}
	res.Status = h.presence.Status(u.ID)
	if seen := h.presence.LastSeen(u.ID); seen.After(res.LastSeen) {
		res.LastSeen = seen
	}
	return res
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	return writeJSON(w, http.StatusOK, h.response(user))
}

func (h *UserHandler) GetUserByIDHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.identities.Get(r.Context(), r.PathValue("userID"))
	if err != nil {
		return fmt.Errorf("get user by id: %w", err)
	}
	if user == nil {
		return core.ErrUserNotFound
	}
	return writeJSON(w, http.StatusOK, h.response(user))
}

func (h *UserHandler) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) error {
	online, err := h.gateway.OnlineUsers(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, online)
}

func (h *UserHandler) UpdateAvatarHandler(w http.ResponseWriter, r *http.Request) error {
	user := core.UserFromRequest(r)
	var payload core.AvatarUpdateInput
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	if err := h.friends.UpdateAvatar(r.Context(), user.ID, payload.Avatar); err != nil {
		return err
	}
	updated := *user
	updated.Avatar = payload.Avatar
	return writeJSON(w, http.StatusOK, h.response(&updated))
}

func (h *UserHandler) FriendsHandler(w http.ResponseWriter, r *http.Request) error {
	friends, err := h.friends.List(r.Context(), core.UserFromRequest(r).ID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, friends)
}

func (h *UserHandler) FriendRequestsHandler(w http.ResponseWriter, r *http.Request) error {
	requests, err := h.friends.Requests(r.Context(), core.UserFromRequest(r).ID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, requests)
}

func (h *UserHandler) SendFriendRequestHandler(w http.ResponseWriter, r *http.Request) error {
	var payload core.FriendRequestInput
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	if err := h.friends.Request(r.Context(), core.UserFromRequest(r), payload.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *UserHandler) AcceptFriendRequestHandler(w http.ResponseWriter, r *http.Request) error {
	var payload core.FriendRequestInput
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	if err := h.friends.Accept(r.Context(), core.UserFromRequest(r), payload.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.ErrInvalidPayload
	}
	return nil
}

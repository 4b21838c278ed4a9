package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/rs/zerolog"
)

// PresenceQuerier answers read-only presence questions.
type PresenceQuerier interface {
	IsOnline(userID string) bool
	OnlineFriends(ctx context.Context, userID string) ([]string, error)
}

type statusResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type onlineFriendsResponse struct {
	UserID        string   `json:"userId"`
	OnlineFriends []string `json:"onlineFriends"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegisterPresenceAPI mounts the query endpoints on mux:
//
//	GET /presence/{userId}
//	GET /presence/{userId}/friends/online
func RegisterPresenceAPI(mux *http.ServeMux, q PresenceQuerier, logger zerolog.Logger) {
	logger = logger.With().Str("component", "PresenceAPI").Logger()

	mux.HandleFunc("GET /presence/{userId}", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		if !presence.ValidUserID(userID) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: presence.ErrInvalidUserID.Error()})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{UserID: userID, Online: q.IsOnline(userID)})
	})

	mux.HandleFunc("GET /presence/{userId}/friends/online", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		friends, err := q.OnlineFriends(r.Context(), userID)
		switch {
		case errors.Is(err, presence.ErrInvalidUserID):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		case err != nil:
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to resolve online friends.")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, onlineFriendsResponse{UserID: userID, OnlineFriends: friends})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

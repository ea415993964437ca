package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sentryal/insar-api/internal/authz"
)

func ownerIDFromRequest(r *http.Request) (string, bool) {
	return authz.OwnerIDFromRequest(r)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

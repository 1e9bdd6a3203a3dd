package api

import (
	"encoding/json"
	"net/http"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// callerID identifies the authenticated caller for admission control
func callerID(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok && claims.CallerID() != "" {
		return claims.CallerID()
	}
	return "anonymous"
}

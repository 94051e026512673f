package server

import (
	"encoding/json"
	"net/http"

	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError renders an AppError as its status and safe message. Anything
// else is logged and becomes an opaque 500.
func writeError(w http.ResponseWriter, l *logger.Logger, err error) {
	if appErr, ok := models.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError {
			l.Error("Request failed", "error", err)
		}
		writeJSON(w, appErr.Code, map[string]string{"error": appErr.Message})
		return
	}
	l.Error("Unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

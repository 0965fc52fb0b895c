package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Client-facing messages. Details are logged, not returned.
const (
	ErrMsgInternalError = "An internal error occurred"
	ErrMsgInvalidJSON   = "Invalid JSON in request body"
	ErrMsgNotFound      = "Resource not found"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}

// sanitizeError logs err and returns a message safe for clients.
func sanitizeError(err error, log *slog.Logger, operation string) string {
	if log != nil {
		log.Error("operation failed", "operation", operation, "error", err)
	}
	return ErrMsgInternalError
}

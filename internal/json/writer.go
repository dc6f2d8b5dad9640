package json

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dgellow/fin-auth/internal/log"
)

// maxBodySize bounds request bodies decoded by DecodeBody.
const maxBodySize = 64 << 10

// ErrorResponse is the error body every endpoint answers with.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes {"detail": detail} with the given status.
func WriteError(w http.ResponseWriter, statusCode int, detail string) {
	if err := WriteResponse(w, statusCode, ErrorResponse{Detail: detail}); err != nil {
		http.Error(w, detail, statusCode)
	}
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, detail)
}

func WriteInternalServerError(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusInternalServerError, detail)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusForbidden, detail)
}

func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, detail)
}

// DecodeBody decodes a size-limited JSON request body into v, rejecting
// unknown fields.
func DecodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// ReadError extracts the detail of an error body, falling back to the raw
// body text when it is not one.
func ReadError(body []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Detail != "" {
		return resp.Detail
	}
	return string(body)
}

// Package response writes the API's JSON envelopes and raw bodies.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeYAML = "application/yaml"
	ContentTypeText = "text/plain; charset=utf-8"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// Page builds the meta block for one page of a listing with total rows.
func Page(page, limit, total int) PaginationMeta {
	return PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// Accepted is used for job submissions: the record exists but the cluster
// work has only started.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// YAML writes an unwrapped YAML document, e.g. a rendered job descriptor.
func YAML(w http.ResponseWriter, body []byte) {
	Raw(w, http.StatusOK, ContentTypeYAML, body)
}

// Text writes an unwrapped plain-text body, e.g. a job logfile.
func Text(w http.ResponseWriter, body []byte) {
	Raw(w, http.StatusOK, ContentTypeText, body)
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Raw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("write response body", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response body", "error", err)
	}
}

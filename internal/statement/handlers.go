package statement

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes an {"error": message} response
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusCode maps service errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotPDF):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrHashMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrSourceMissing), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readFiles reads every part of the given form fields
func readFiles(form *multipart.Form, fields ...string) ([]Upload, error) {
	var uploads []Upload
	for _, field := range fields {
		for _, header := range form.File[field] {
			f, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", header.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", header.Filename, err)
			}
			uploads = append(uploads, Upload{Filename: header.Filename, Data: data})
		}
	}
	return uploads, nil
}

// parseForm parses a size bounded multipart body
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.options.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.options.MaxUploadBytes); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("Upload is too large. Maximum size is %dMB.", s.options.MaxUploadBytes>>20), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return nil, false
	}
	return r.MultipartForm, true
}

// handleUpload accepts one or more statement PDFs
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		jsonError(w, "Missing "+UserHeader+" header", http.StatusUnauthorized)
		return
	}

	form, ok := s.parseForm(w, r)
	if !ok {
		return
	}
	defer form.RemoveAll()

	uploads, err := readFiles(form, "files", "file")
	if err != nil {
		slog.Error("Error reading uploaded files", "error", err)
		jsonError(w, "Error reading files. Please try again.", http.StatusBadRequest)
		return
	}
	if len(uploads) == 0 {
		jsonError(w, "No files were selected. Please choose at least one PDF statement.", http.StatusBadRequest)
		return
	}

	result, err := s.service.Upload(r.Context(), userID, uploads)
	if err != nil {
		slog.Error("Error uploading statements", "user_id", userID, "error", err)
		jsonError(w, err.Error(), statusCode(err))
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatuses returns the status of the requested statements
func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	statuses, err := s.service.Statuses(s.userID(r), req.IDs)
	if err != nil {
		slog.Error("Error getting statuses", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": statuses,
	})
}

// handleReprocess resets a statement and queues it again. The original PDF
// may be attached as "file" when the stored copy is gone.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := s.userID(r)

	var attached []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		form, ok := s.parseForm(w, r)
		if !ok {
			return
		}
		defer form.RemoveAll()

		uploads, err := readFiles(form, "file")
		if err != nil {
			jsonError(w, "Error reading file. Please try again.", http.StatusBadRequest)
			return
		}
		if len(uploads) > 0 {
			attached = uploads[0].Data
		}
	}

	stmt, err := s.service.Reprocess(r.Context(), userID, id, attached)
	if err != nil {
		slog.Error("Error reprocessing statement", "statement_id", id, "user_id", userID, "error", err)
		code := statusCode(err)
		message := err.Error()
		if code == http.StatusNotFound {
			message = "Statement not found"
		}
		jsonError(w, message, code)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, stmt)
}

// handleGetStatement returns a statement with its expenses
func (s *Server) handleGetStatement(w http.ResponseWriter, r *http.Request) {
	stmt, expenses, err := s.service.GetStatement(s.userID(r), r.PathValue("id"))
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			jsonError(w, "Statement not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting statement", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"statement": stmt,
		"expenses":  expenses,
	})
}

// handleDeleteStatement deletes a statement and its expenses
func (s *Server) handleDeleteStatement(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteStatement(s.userID(r), r.PathValue("id")); err != nil {
		if statusCode(err) == http.StatusNotFound {
			jsonError(w, "Statement not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting statement", "error", err)
		jsonError(w, "Error deleting statement", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListStatements returns the caller's statements
func (s *Server) handleListStatements(w http.ResponseWriter, r *http.Request) {
	statements, err := s.service.ListStatements(s.userID(r))
	if err != nil {
		slog.Error("Error listing statements", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, statements)
}

// handleListCards returns the caller's cards
func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.service.ListCards(s.userID(r))
	if err != nil {
		slog.Error("Error listing cards", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, cards)
}

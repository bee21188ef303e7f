package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/datalens/internal/agent"
	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		TraceID string `json:"trace_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// statusForCode maps taxonomy codes onto HTTP statuses.
func statusForCode(code agent.Code) int {
	switch code {
	case agent.CodeBadSpec, agent.CodeBadPlot, agent.CodeBadToolArgs,
		agent.CodeColumnNotFound, agent.CodeUnknownTool:
		return http.StatusBadRequest
	case agent.CodeDatasetNotFound:
		return http.StatusNotFound
	case agent.CodeLLMRateLimited:
		return http.StatusTooManyRequests
	case agent.CodeQueryTimeout:
		return http.StatusGatewayTimeout
	case agent.CodeCancelled:
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "datalens",
		"datasets": len(s.datasets.List()),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxUploadBytes+1)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_UPLOAD", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	fileID, err := s.uploads.Save(file, header.Filename)
	if err != nil {
		if errors.Is(err, dataset.ErrUploadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.Limits.MaxUploadBytes))
			return
		}
		s.logger.Error(r.Context(), "upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "could not store upload")
		return
	}

	s.logger.Info(r.Context(), "file uploaded", "file_id", fileID, "filename", header.Filename, "size", header.Size)
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":  fileID,
		"filename": header.Filename,
	})
}

func (s *Server) handleDatasetCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID    string `json:"file_id"`
		HeaderRow int    `json:"header_row"`
		Sheet     string `json:"sheet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "file_id is required")
		return
	}

	f, err := s.uploads.Open(req.FileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "FILE_NOT_FOUND", fmt.Sprintf("file %q not found", req.FileID))
		return
	}
	defer f.Close()

	ds, err := s.datasets.CreateFromCSV(r.Context(), f, dataset.IngestOptions{
		HeaderRow: req.HeaderRow,
		Sheet:     req.Sheet,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_FILE", err.Error())
		return
	}

	ctx := observability.WithTraceID(r.Context(), ds.ID)
	s.logger.Info(ctx, "dataset created", "dataset_id", ds.ID, "rows", ds.RowCount)
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleDatasetSchema(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasets.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, string(agent.CodeDatasetNotFound), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDatasetDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.datasets.Delete(r.Context(), id); err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(w, http.StatusNotFound, string(agent.CodeDatasetNotFound), err.Error())
			return
		}
		s.logger.Error(r.Context(), "dataset delete failed", "dataset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "DELETE_FAILED", "could not delete dataset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeAnalysisRequest parses the analyze body shared by both endpoints.
func decodeAnalysisRequest(r *http.Request) (*agent.AnalysisRequest, error) {
	var req agent.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if req.Question == "" {
		return nil, fmt.Errorf("question is required")
	}
	return &req, nil
}

// handleAnalyze runs the loop to completion and returns the final result
// as one JSON document.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAnalysisRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	events, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	for event := range events {
		switch event.Type {
		case agent.EventComplete:
			writeJSON(w, http.StatusOK, event.Payload)
			return
		case agent.EventError:
			payload := event.Payload.(map[string]any)
			code, _ := payload["code"].(agent.Code)
			message, _ := payload["message"].(string)
			status := statusForCode(code)

			var body errorBody
			body.Error.Code = string(code)
			body.Error.Message = message
			if traceID, ok := payload["trace_id"].(string); ok {
				body.Error.TraceID = traceID
			}
			writeJSON(w, status, body)
			return
		}
	}

	// The stream closed without a terminal event; the client went away.
	writeError(w, http.StatusInternalServerError, "INCOMPLETE", "analysis ended without a result")
}

// handleAnalyzeStream relays loop events as server-sent events.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	req, err := decodeAnalysisRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	events, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			s.logger.Error(r.Context(), "event marshal failed", "type", event.Type, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}
}

// writeRunError maps synchronous Run failures onto HTTP responses.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var toolErr *agent.ToolError
	if errors.As(err, &toolErr) {
		writeError(w, statusForCode(toolErr.Code), string(toolErr.Code), toolErr.Message)
		return
	}
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
}

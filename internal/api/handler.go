// Package api exposes the orchestrator over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"reel-pipeline/internal/failure"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/pipeline"
	"reel-pipeline/internal/session"
	"reel-pipeline/internal/types"
)

// Pipeline is the orchestrator surface the handlers call.
type Pipeline interface {
	StartGeneration(ctx context.Context, req types.GenerationRequest, referenceImage string) (string, error)
	GetSession(id string) (*types.Session, error)
	GetProgress(id string) (session.Progress, error)
	Cancel(id string) error
}

var _ Pipeline = (*pipeline.Orchestrator)(nil)

type Handler struct {
	Pipeline  Pipeline
	UploadDir string
	// MaxUpload bounds the reference image in bytes.
	MaxUpload int64
	// Health, when set, is consulted by /health.
	Health func(context.Context) error
	Log    *logging.Logger
}

// Router builds the routes wrapped in CORS, panic recovery and access
// logging.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/generations", h.StartGeneration).Methods(http.MethodPost)
	api.HandleFunc("/generations/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/generations/{id}", h.Cancel).Methods(http.MethodDelete)
	api.HandleFunc("/generations/{id}/progress", h.GetProgress).Methods(http.MethodGet)
	api.HandleFunc("/generations/{id}/output", h.Output).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return h.accessLog(cors(recovery(r)))
}

func (h *Handler) log() *logging.Logger {
	if h.Log == nil {
		return logging.Discard()
	}
	return h.Log
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		h.log().Debug("%s %s -> %d (%d bytes, %s)", r.Method, r.URL.Path, m.Code, m.Written, m.Duration)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartGeneration accepts a multipart form with the reference image under
// "reference_image" and the request fields alongside it.
func (h *Handler) StartGeneration(w http.ResponseWriter, r *http.Request) {
	if h.MaxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload+1<<20)
	}
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		if bodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := parseRequest(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	files := r.MultipartForm.File["reference_image"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "reference_image is required")
		return
	}
	ext, err := ValidateUpload(files[0], h.MaxUpload)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrFileTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, code, err.Error())
		return
	}
	path, err := h.saveUpload(files[0], ext)
	if errors.Is(err, ErrInvalidFileType) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log().Error("saving upload: %v", err)
		writeError(w, http.StatusInternalServerError, "unable to save reference image")
		return
	}

	id, err := h.Pipeline.StartGeneration(r.Context(), req, path)
	if err != nil {
		os.Remove(path)
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":           id,
		"status_url":   "/api/v1/generations/" + id,
		"progress_url": "/api/v1/generations/" + id + "/progress",
	})
}

// bodyTooLarge reports whether err came from the MaxBytesReader limit.
// Older multipart readers flatten the error, so the message is checked too.
func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// saveUpload stores the image under a fresh uuid name; client filenames are
// never used on disk.
func (h *Handler) saveUpload(fh *multipart.FileHeader, ext string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, ok := AllowedImageTypes[http.DetectContentType(head[:n])]; !ok {
		return "", ErrInvalidFileType
	}

	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.UploadDir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head[:n]), src)); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Pipeline.GetSession(mux.Vars(r)["id"])
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.Pipeline.GetProgress(mux.Vars(r)["id"])
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipeline.Cancel(mux.Vars(r)["id"]); err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// Output streams the merged video of a completed session.
func (h *Handler) Output(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Pipeline.GetSession(mux.Vars(r)["id"])
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	if sess.Status != types.SessionCompleted || sess.FinalOutput == "" {
		writeError(w, http.StatusConflict, "session has no output yet (status "+string(sess.Status)+")")
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, sess.FinalOutput)
}

func (h *Handler) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, pipeline.ErrAtCapacity):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pipeline.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case failure.KindOf(err) == failure.Validation:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log().Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

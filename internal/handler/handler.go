// Package handler serves the pipeline over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/extract"
	"github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/pipeline"
	"github.com/pavelanni/examforge/internal/state"
	"github.com/pavelanni/examforge/internal/store"
)

// Config configures the API.
type Config struct {
	// TokenHash is the bcrypt hash of the bearer token. Empty disables
	// authentication.
	TokenHash string
	// UploadDir receives uploaded sample documents, one directory per session.
	UploadDir string
	// Language is used when neither the request nor Accept-Language names one.
	Language model.Language
	// MaxUploadBytes caps one uploaded document.
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	pipeline  *pipeline.Pipeline
	artifacts *artifact.Store
	store     *store.Store
	validate  *validator.Validate
	config    Config
}

// New creates a new Handler. s may be nil, which disables the submission
// index and upload deduplication.
func New(p *pipeline.Pipeline, artifacts *artifact.Store, s *store.Store, cfg Config) *Handler {
	if cfg.Language == "" {
		cfg.Language = model.LanguageEnglish
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	return &Handler{
		pipeline:  p,
		artifacts: artifacts,
		store:     s,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(api chi.Router) {
		api.Use(h.requireToken)
		api.Get("/sessions", h.handleSessions)
		api.Get("/submissions", h.handleExport)
		api.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.Use(h.requireSessionID)
			sr.Post("/samples", h.handleUploadSample)
			sr.Post("/run", h.handleRun)
			sr.Get("/health", h.handleHealth)
			sr.Get("/state", h.handleState)
			sr.Post("/submissions", h.handleSubmit)
			sr.Post("/advice", h.handleAdvice)
			sr.Delete("/cache", h.handleClearCache)
		})
	})
}

type sampleText struct {
	Label string `json:"label" validate:"required,max=200"`
	Text  string `json:"text" validate:"required"`
}

type runRequest struct {
	UpTo     string       `json:"up_to" validate:"required"`
	Language string       `json:"language" validate:"omitempty,max=32"`
	Files    []string     `json:"files" validate:"omitempty,dive,required,max=255"`
	Samples  []sampleText `json:"samples" validate:"omitempty,dive"`
	Student  string       `json:"student" validate:"max=100"`
}

type runResponse struct {
	*pipeline.Result
	Error string `json:"error,omitempty"`
}

type submitRequest struct {
	Student  string            `json:"student" validate:"required,max=100"`
	Answers  map[string]string `json:"answers" validate:"required_without=Sheet"`
	Sheet    string            `json:"sheet" validate:"required_without=Answers"`
	Language string            `json:"language" validate:"omitempty,max=32"`
}

type adviceRequest struct {
	Student  string `json:"student" validate:"max=100"`
	Language string `json:"language" validate:"omitempty,max=32"`
}

type errorResponse struct {
	Error string         `json:"error"`
	Stage pipeline.Stage `json:"stage,omitempty"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			slog.Error("database ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req runRequest
	if !h.decode(w, r, &req) {
		return
	}
	upTo, err := pipeline.ParseStage(req.UpTo)
	if err != nil {
		h.invalid(w, r, err)
		return
	}

	in := pipeline.Inputs{Language: h.language(r, req.Language), Student: req.Student}
	for _, name := range req.Files {
		in.SamplePaths = append(in.SamplePaths, h.uploadPath(sessionID, name))
	}
	for _, s := range req.Samples {
		in.Sources = append(in.Sources, extract.Source{Label: s.Label, Text: s.Text})
	}

	res, err := h.pipeline.Run(r.Context(), sessionID, in, upTo)
	var missing *pipeline.MissingArtifactError
	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusConflict, runResponse{Result: res, Error: h.missingMessage(r, missing)})
	case err != nil:
		h.internal(w, r, "pipeline run failed", err)
	default:
		writeJSON(w, http.StatusOK, runResponse{Result: res})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.pipeline.HealthCheck(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.internal(w, r, "health check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Session(chi.URLParam(r, "sessionID")).Summary(r.Context()))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := pipeline.Inputs{
		Language:    h.language(r, req.Language),
		Student:     req.Student,
		Answers:     req.Answers,
		AnswerSheet: req.Sheet,
	}
	if in.Answers == nil {
		in.Answers = map[string]string{}
	}
	if _, ok := h.runStage(w, r, sessionID, pipeline.StageGrade, in); !ok {
		return
	}
	report, ok := h.pipeline.Session(sessionID).GradingReport(r.Context())
	if !ok {
		h.internal(w, r, "grading report not stored", state.ErrMissing)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleAdvice(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req adviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := pipeline.Inputs{Language: h.language(r, req.Language), Student: req.Student}
	if _, ok := h.runStage(w, r, sessionID, pipeline.StageAdvise, in); !ok {
		return
	}
	adv, err := h.artifacts.LatestAdvice(sessionID)
	if err != nil {
		h.internal(w, r, "read advice", err)
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

func (h *Handler) runStage(w http.ResponseWriter, r *http.Request, sessionID string, stage pipeline.Stage, in pipeline.Inputs) (pipeline.StageReport, bool) {
	rep, err := h.pipeline.RunStage(r.Context(), sessionID, stage, in)
	var missing *pipeline.MissingArtifactError
	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusConflict, errorResponse{Error: h.missingMessage(r, missing), Stage: missing.Stage})
		return rep, false
	case err != nil:
		h.internal(w, r, "stage failed", err)
		return rep, false
	}
	return rep, true
}

// language picks the question language: the request field, then a Chinese
// Accept-Language, then the configured default.
func (h *Handler) language(r *http.Request, field string) model.Language {
	if strings.TrimSpace(field) != "" {
		return model.ParseLanguage(field)
	}
	if al := strings.ToLower(r.Header.Get("Accept-Language")); strings.HasPrefix(al, "zh") {
		return model.LanguageChinese
	}
	return h.config.Language
}

func (h *Handler) uploadPath(sessionID, name string) string {
	return filepath.Join(h.config.UploadDir, sessionID, filepath.Base(name))
}

func (h *Handler) requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := state.ValidateSessionID(chi.URLParam(r, "sessionID")); err != nil {
			h.invalid(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.invalid(w, r, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.invalid(w, r, err)
		return false
	}
	return true
}

func (h *Handler) invalid(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: i18n.Td(r.Context(), "ErrInvalidRequest", map[string]any{"Detail": err.Error()}),
	})
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: i18n.T(r.Context(), "ErrInternal")})
}

func (h *Handler) missingMessage(r *http.Request, e *pipeline.MissingArtifactError) string {
	return i18n.Td(r.Context(), "ErrMissingArtifact", map[string]any{"Artifact": e.Err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
